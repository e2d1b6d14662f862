package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// LiveSet reports which jobs still have a controller in this process
type LiveSet interface {
	IsRunning(pid string) bool
}

// Stats summarises one sweep
type Stats struct {
	Orphaned    int
	DirsRemoved int
	Duration    time.Duration
}

// Janitor periodically settles task states left Running by a dead process and removes
// stale scratch directories under the work dir
type Janitor struct {
	tasks      interfaces.TaskStateStorage
	live       LiveSet
	workDir    string
	staleAfter time.Duration
	cron       *cron.Cron
	logger     arbor.ILogger

	mu sync.Mutex // one sweep at a time
}

// New creates a janitor
func New(tasks interfaces.TaskStateStorage, live LiveSet, config *common.Config, logger arbor.ILogger) *Janitor {
	return &Janitor{
		tasks:      tasks,
		live:       live,
		workDir:    config.Jobs.WorkDir,
		staleAfter: common.ParseDuration(config.Janitor.StaleAfter, 24*time.Hour),
		cron:       cron.New(),
		logger:     logger,
	}
}

// Start schedules the sweep with a 5-field cron expression
func (j *Janitor) Start(schedule string) error {
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	if err := common.ValidateJobSchedule(schedule); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(schedule, j.runSweep); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	j.cron.Start()
	j.logger.Info().Str("schedule", schedule).Msg("Janitor started")
	return nil
}

// Stop stops the schedule and waits for a running sweep
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info().Msg("Janitor stopped")
}

func (j *Janitor) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stats, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Janitor sweep failed")
		return
	}
	if stats.Orphaned > 0 || stats.DirsRemoved > 0 {
		j.logger.Info().
			Int("orphaned", stats.Orphaned).
			Int("dirs_removed", stats.DirsRemoved).
			Dur("duration", stats.Duration).
			Msg("Janitor sweep completed")
	}
}

// Sweep runs one pass
func (j *Janitor) Sweep(ctx context.Context) (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	var stats Stats
	var errs []error

	orphaned, err := j.settleOrphans(ctx)
	stats.Orphaned = orphaned
	if err != nil {
		errs = append(errs, err)
	}

	for _, root := range []string{filepath.Join(j.workDir, "temp"), filepath.Join(j.workDir, "chrome-data")} {
		n, err := j.removeStale(root, start)
		stats.DirsRemoved += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	stats.Duration = time.Since(start)
	return stats, errors.Join(errs...)
}

func (j *Janitor) settleOrphans(ctx context.Context) (int, error) {
	states, err := j.tasks.ListTaskStates(ctx, models.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running tasks: %w", err)
	}

	n := 0
	for _, state := range states {
		if j.live != nil && j.live.IsRunning(state.PID) {
			continue
		}
		state.Status = models.TaskStatusFailed
		state.Message = "job controller lost before completion"
		if state.Snapshot != nil {
			state.Snapshot.Status = models.JobStatusFailed
			state.Snapshot.Error = state.Message
		}
		if err := j.tasks.SaveTaskState(ctx, state); err != nil {
			return n, fmt.Errorf("failed to settle task %s: %w", state.PID, err)
		}
		j.logger.Warn().Str("pid", state.PID).Msg("Orphaned task marked failed")
		n++
	}
	return n, nil
}

func (j *Janitor) removeStale(root string, now time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, entry := range entries {
		if !entry.IsDir() || (j.live != nil && j.live.IsRunning(entry.Name())) {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < j.staleAfter {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn().Err(err).Str("dir", path).Msg("Failed to remove stale directory")
			continue
		}
		j.logger.Debug().Str("dir", path).Msg("Stale directory removed")
		n++
	}
	return n, nil
}
