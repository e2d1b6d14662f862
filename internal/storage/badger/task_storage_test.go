package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/models"
)

func openTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTaskStateStorageRoundTrip(t *testing.T) {
	storage := NewTaskStateStorage(openTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	state := &models.TaskState{PID: "P1", Category: "capa", System: "pje", Status: models.TaskStatusQueued}
	require.NoError(t, storage.SaveTaskState(ctx, state))
	assert.False(t, state.EnqueuedAt.IsZero())

	got, err := storage.GetTaskState(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, "pje", got.System)

	got.Status = models.TaskStatusFinished
	got.Snapshot = &models.JobSnapshot{PID: "P1", Status: models.JobStatusFinished, TotalRows: 2, SuccessCount: 2}
	require.NoError(t, storage.SaveTaskState(ctx, got))

	got, err = storage.GetTaskState(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, got.Status)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, 2, got.Snapshot.SuccessCount)

	require.NoError(t, storage.DeleteTaskState(ctx, "P1"))
	_, err = storage.GetTaskState(ctx, "P1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, storage.DeleteTaskState(ctx, "P1"))
}

func TestTaskStateStorageListByStatus(t *testing.T) {
	storage := NewTaskStateStorage(openTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, st := range []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusFinished, models.TaskStatusRunning} {
		require.NoError(t, storage.SaveTaskState(ctx, &models.TaskState{
			PID:        string(rune('A' + i)),
			Status:     st,
			EnqueuedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	running, err := storage.ListTaskStates(ctx, models.TaskStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "A", running[0].PID)
	assert.Equal(t, "C", running[1].PID)

	all, err := storage.ListTaskStates(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
