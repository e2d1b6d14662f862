package janitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/models"
)

type memTasks struct {
	mu     sync.Mutex
	states map[string]*models.TaskState
}

func (m *memTasks) SaveTaskState(ctx context.Context, state *models.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.states[state.PID] = &cp
	return nil
}

func (m *memTasks) GetTaskState(ctx context.Context, pid string) (*models.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pid]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memTasks) ListTaskStates(ctx context.Context, status models.TaskStatus) ([]*models.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TaskState
	for _, s := range m.states {
		if status == "" || s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTasks) DeleteTaskState(ctx context.Context, pid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, pid)
	return nil
}

type liveSet map[string]bool

func (l liveSet) IsRunning(pid string) bool { return l[pid] }

func TestSweepSettlesOrphansAndRemovesStaleDirs(t *testing.T) {
	config := common.NewDefaultConfig()
	config.Jobs.WorkDir = t.TempDir()
	config.Janitor.StaleAfter = "1h"

	tasks := &memTasks{states: map[string]*models.TaskState{
		"LIVE":   {PID: "LIVE", Status: models.TaskStatusRunning},
		"ORPHAN": {PID: "ORPHAN", Status: models.TaskStatusRunning, Snapshot: &models.JobSnapshot{PID: "ORPHAN", Status: models.JobStatusRunning}},
		"DONE":   {PID: "DONE", Status: models.TaskStatusFinished},
	}}
	live := liveSet{"LIVE": true}

	old := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{"temp/ORPHAN", "temp/LIVE", "chrome-data/DONE"} {
		path := filepath.Join(config.Jobs.WorkDir, dir)
		require.NoError(t, os.MkdirAll(path, 0755))
		require.NoError(t, os.Chtimes(path, old, old))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(config.Jobs.WorkDir, "temp", "FRESH"), 0755))

	j := New(tasks, live, config, arbor.NewLogger())
	stats, err := j.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Orphaned)
	assert.Equal(t, 2, stats.DirsRemoved)

	orphan, _ := tasks.GetTaskState(context.Background(), "ORPHAN")
	assert.Equal(t, models.TaskStatusFailed, orphan.Status)
	assert.Equal(t, models.JobStatusFailed, orphan.Snapshot.Status)
	live1, _ := tasks.GetTaskState(context.Background(), "LIVE")
	assert.Equal(t, models.TaskStatusRunning, live1.Status)

	assert.DirExists(t, filepath.Join(config.Jobs.WorkDir, "temp", "LIVE"))
	assert.DirExists(t, filepath.Join(config.Jobs.WorkDir, "temp", "FRESH"))
	assert.NoDirExists(t, filepath.Join(config.Jobs.WorkDir, "temp", "ORPHAN"))
	assert.NoDirExists(t, filepath.Join(config.Jobs.WorkDir, "chrome-data", "DONE"))
}

func TestSweepWithoutWorkDirs(t *testing.T) {
	config := common.NewDefaultConfig()
	config.Jobs.WorkDir = filepath.Join(t.TempDir(), "missing")
	j := New(&memTasks{states: map[string]*models.TaskState{}}, nil, config, arbor.NewLogger())

	stats, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Orphaned)
	assert.Zero(t, stats.DirsRemoved)
}

func TestStartRejectsTightSchedule(t *testing.T) {
	config := common.NewDefaultConfig()
	j := New(&memTasks{states: map[string]*models.TaskState{}}, nil, config, arbor.NewLogger())
	assert.Error(t, j.Start("* * * * *"))
	require.NoError(t, j.Start("*/30 * * * *"))
	j.Stop()
}
