package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStateStorage keeps one models.TaskState per pid
type TaskStateStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStateStorage creates the task-state store
func NewTaskStateStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStateStorage {
	return &TaskStateStorage{db: db, logger: logger}
}

func (s *TaskStateStorage) SaveTaskState(ctx context.Context, state *models.TaskState) error {
	if state.PID == "" {
		return fmt.Errorf("task pid is required")
	}
	state.UpdatedAt = time.Now()
	if state.EnqueuedAt.IsZero() {
		state.EnqueuedAt = state.UpdatedAt
	}
	if err := s.db.Store().Upsert(state.PID, state); err != nil {
		return fmt.Errorf("failed to save task state: %w", err)
	}
	return nil
}

func (s *TaskStateStorage) GetTaskState(ctx context.Context, pid string) (*models.TaskState, error) {
	var state models.TaskState
	if err := s.db.Store().Get(pid, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", pid, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task state: %w", err)
	}
	return &state, nil
}

// ListTaskStates returns the states with the given status, every state when status is empty
func (s *TaskStateStorage) ListTaskStates(ctx context.Context, status models.TaskStatus) ([]*models.TaskState, error) {
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(status).Index("Status")
	}

	var states []models.TaskState
	if err := s.db.Store().Find(&states, query); err != nil {
		return nil, fmt.Errorf("failed to list task states: %w", err)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].EnqueuedAt.Before(states[j].EnqueuedAt)
	})

	out := make([]*models.TaskState, len(states))
	for i := range states {
		out[i] = &states[i]
	}
	return out, nil
}

func (s *TaskStateStorage) DeleteTaskState(ctx context.Context, pid string) error {
	if err := s.db.Store().Delete(pid, &models.TaskState{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete task state: %w", err)
	}
	return nil
}
