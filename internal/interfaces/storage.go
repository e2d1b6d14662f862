package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/crawjud/internal/models"
)

// TaskStateStorage persists the task-queue view of each job
type TaskStateStorage interface {
	SaveTaskState(ctx context.Context, state *models.TaskState) error
	GetTaskState(ctx context.Context, pid string) (*models.TaskState, error)
	ListTaskStates(ctx context.Context, status models.TaskStatus) ([]*models.TaskState, error)
	DeleteTaskState(ctx context.Context, pid string) error
}

// ArtifactStore keeps result archives and hands out time-limited links to them
type ArtifactStore interface {
	// Put stores the file at localPath under key and returns a link valid for ttl
	Put(ctx context.Context, key, localPath string, ttl time.Duration) (string, error)
}

// Delivery is a claimed queue message. Delete acknowledges it.
type Delivery struct {
	ID           string
	Message      models.QueueMessage
	ReceiveCount int
	Delete       func() error
}

// TaskQueue is the persistent queue the launcher consumes
type TaskQueue interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) (string, error)
	// Receive claims the next visible message or returns models.ErrNoMessage
	Receive(ctx context.Context) (*Delivery, error)
	Extend(ctx context.Context, messageID string, duration time.Duration) error
	Close() error
}
