// -----------------------------------------------------------------------
// Job Record - identity, config and counters of a running job
// -----------------------------------------------------------------------

package record

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/crawjud/internal/models"
)

// Record holds the state of one job. Readers get an immutable snapshot through an atomic
// pointer, so Snapshot never blocks. Writers (the progress relay and the controller) are
// serialized by mu.
type Record struct {
	config models.JobConfig
	mu     sync.Mutex
	snap   atomic.Pointer[models.JobSnapshot]
}

// New creates a record in the Initializing state
func New(config models.JobConfig, startedAt time.Time) *Record {
	r := &Record{config: config}
	r.snap.Store(&models.JobSnapshot{
		PID:       config.PID,
		Category:  config.Category,
		System:    config.System,
		Status:    models.JobStatusInitializing,
		StartedAt: startedAt,
	})
	return r
}

// PID returns the job identifier
func (r *Record) PID() string {
	return r.config.PID
}

// Config returns the immutable job configuration
func (r *Record) Config() *models.JobConfig {
	return &r.config
}

// Snapshot returns a consistent copy of the record
func (r *Record) Snapshot() models.JobSnapshot {
	return *r.snap.Load()
}

// SetTotalRows sets the row count. It can happen only once, from 0 to n.
func (r *Record) SetTotalRows(n int) error {
	if n < 0 {
		return fmt.Errorf("total rows cannot be negative: %d", n)
	}
	return r.update(func(s *models.JobSnapshot) error {
		if s.TotalRows != 0 || s.SuccessCount+s.ErrorCount != 0 {
			return fmt.Errorf("total rows already set to %d", s.TotalRows)
		}
		s.TotalRows = n
		s.Remaining = n
		return nil
	})
}

// Apply folds a progress event into the counters and returns the event stamped with the
// resulting status and counters. Only the progress relay calls Apply.
func (r *Record) Apply(event models.ProgressEvent) models.ProgressEvent {
	var next models.JobSnapshot
	_ = r.update(func(s *models.JobSnapshot) error {
		*s = ApplyCounters(*s, event)
		next = *s
		return nil
	})
	return Stamp(event, next)
}

// Transition moves the job to status. Transitions out of a terminal state,
// or backwards, are refused and reported as false.
func (r *Record) Transition(to models.JobStatus) bool {
	err := r.update(func(s *models.JobSnapshot) error {
		if !CanTransition(s.Status, to) {
			return fmt.Errorf("refused")
		}
		s.Status = to
		if to.IsTerminal() {
			now := time.Now()
			s.FinishedAt = &now
		}
		return nil
	})
	return err == nil
}

// Fail moves the job to Failed and records the cause
func (r *Record) Fail(cause error) bool {
	err := r.update(func(s *models.JobSnapshot) error {
		if !CanTransition(s.Status, models.JobStatusFailed) {
			return fmt.Errorf("refused")
		}
		s.Status = models.JobStatusFailed
		if cause != nil {
			s.Error = cause.Error()
		}
		now := time.Now()
		s.FinishedAt = &now
		return nil
	})
	return err == nil
}

// SetResultLink records the signed URL of the result archive
func (r *Record) SetResultLink(link string) {
	_ = r.update(func(s *models.JobSnapshot) error {
		s.ResultLink = link
		return nil
	})
}

func (r *Record) update(fn func(s *models.JobSnapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := *r.snap.Load()
	if err := fn(&next); err != nil {
		return err
	}
	r.snap.Store(&next)
	return nil
}

// ApplyCounters is the counter function: success and error events settle one row each,
// every other event (and any terminal event) only advances the row pointer.
func ApplyCounters(s models.JobSnapshot, event models.ProgressEvent) models.JobSnapshot {
	if event.Row > s.Row {
		s.Row = event.Row
	}
	if event.Terminal {
		return s
	}
	switch event.Kind {
	case models.EventKindSuccess:
		s.SuccessCount++
	case models.EventKindError:
		s.ErrorCount++
	default:
		return s
	}
	s.Remaining = s.TotalRows - (s.SuccessCount + s.ErrorCount)
	return s
}

// Stamp copies status and counters of s onto event
func Stamp(event models.ProgressEvent, s models.JobSnapshot) models.ProgressEvent {
	event.PID = s.PID
	event.Status = s.Status
	event.TotalRows = s.TotalRows
	event.SuccessCount = s.SuccessCount
	event.ErrorCount = s.ErrorCount
	event.Remaining = s.Remaining
	if event.ResultLink == "" {
		event.ResultLink = s.ResultLink
	}
	return event
}

// CanTransition reports whether the lifecycle allows from -> to
func CanTransition(from, to models.JobStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	switch to {
	case models.JobStatusRunning:
		return from == models.JobStatusInitializing
	case models.JobStatusStopping:
		return from == models.JobStatusInitializing || from == models.JobStatusRunning
	case models.JobStatusFinished, models.JobStatusFailed:
		return true
	default:
		return false
	}
}
