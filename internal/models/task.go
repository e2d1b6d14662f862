package models

import (
	"encoding/json"
	"time"
)

// TaskType is the queue message type routed to the bot launcher
const TaskTypeBot = "crawjud.bot"

// TaskStatus is the state of a job as recorded by the task queue
type TaskStatus string

const (
	TaskStatusQueued   TaskStatus = "queued"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusFinished TaskStatus = "finished"
	TaskStatusFailed   TaskStatus = "failed"
)

// IsTerminal reports whether the task reached an end state
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusFinished || s == TaskStatusFailed
}

// TaskState is persisted per pid and reconciled against the in-memory job record
type TaskState struct {
	PID        string       `json:"pid" badgerhold:"key"`
	Category   string       `json:"category"`
	System     string       `json:"system"`
	Status     TaskStatus   `json:"status" badgerholdIndex:"Status"`
	Message    string       `json:"message,omitempty"`
	Snapshot   *JobSnapshot `json:"snapshot,omitempty"` // Last snapshot written at finalize
	EnqueuedAt time.Time    `json:"enqueued_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// QueueMessage is the structure stored in the task queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	JobID   string          `json:"job_id"`  // The job pid
	Type    string          `json:"type"`    // Task type for launcher routing
	Payload json.RawMessage `json:"payload"` // JobConfig JSON
}
