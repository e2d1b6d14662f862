// -----------------------------------------------------------------------
// Task Launcher - turns queued bot tasks into controller runs
// -----------------------------------------------------------------------

package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/jobs/cancel"
	"github.com/ternarybob/crawjud/internal/jobs/controller"
	"github.com/ternarybob/crawjud/internal/jobs/progress"
	"github.com/ternarybob/crawjud/internal/models"
)

// DriverFactory creates the browser driver of one job
type DriverFactory func(pid string) interfaces.Driver

// PublisherFactory creates the progress channel of one job
type PublisherFactory func(pid string) interfaces.Publisher

// Deps are the launcher collaborators. Registry, Tasks and Logger are required.
type Deps struct {
	Registry     *Registry
	Tasks        interfaces.TaskStateStorage
	Queue        interfaces.TaskQueue
	Artifacts    interfaces.ArtifactStore
	Events       interfaces.EventService
	NewDriver    DriverFactory
	NewPublisher PublisherFactory
	Logger       arbor.ILogger
}

// Launcher owns the controllers running in this process
type Launcher struct {
	deps       Deps
	config     *common.Config
	logger     arbor.ILogger
	visibility time.Duration

	mu      sync.RWMutex
	running map[string]*controller.Controller
}

// New creates a launcher and subscribes it to stop requests on the event bus
func New(deps Deps, config *common.Config) (*Launcher, error) {
	if deps.Registry == nil || deps.Tasks == nil {
		return nil, errors.New("launcher requires a registry and task storage")
	}
	l := &Launcher{
		deps:       deps,
		config:     config,
		logger:     deps.Logger,
		visibility: common.ParseDuration(config.Queue.VisibilityTimeout, 6*time.Hour),
		running:    make(map[string]*controller.Controller),
	}
	if deps.Events != nil {
		if err := deps.Events.Subscribe(interfaces.EventStopRequested, l.handleStopRequested); err != nil {
			return nil, fmt.Errorf("failed to subscribe to stop requests: %w", err)
		}
	}
	return l, nil
}

// Submit validates a job and queues it, assigning a pid when none is given
func (l *Launcher) Submit(ctx context.Context, jc models.JobConfig) (string, error) {
	if jc.PID == "" {
		jc.PID = common.NewPID()
	}
	if err := jc.Validate(); err != nil {
		return "", err
	}
	if _, err := l.deps.Registry.Lookup(jc.Category, jc.System); err != nil {
		return "", &models.ConfigError{Field: "system", Err: err}
	}
	if l.deps.Queue == nil {
		return "", errors.New("task queue not configured")
	}

	if existing, err := l.deps.Tasks.GetTaskState(ctx, jc.PID); err == nil && !existing.Status.IsTerminal() {
		return "", fmt.Errorf("%w: %s is %s", models.ErrJobExists, jc.PID, existing.Status)
	}

	payload, err := json.Marshal(jc)
	if err != nil {
		return "", fmt.Errorf("failed to encode job config: %w", err)
	}
	if err := l.saveState(ctx, &models.TaskState{
		PID:      jc.PID,
		Category: jc.Category,
		System:   jc.System,
		Status:   models.TaskStatusQueued,
	}); err != nil {
		return "", err
	}
	msgID, err := l.deps.Queue.Enqueue(ctx, models.QueueMessage{
		JobID:   jc.PID,
		Type:    models.TaskTypeBot,
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", jc.PID, err)
	}

	l.logger.Info().
		Str("pid", jc.PID).
		Str("category", jc.Category).
		Str("system", jc.System).
		Str("message_id", msgID).
		Msg("Job queued")
	return jc.PID, nil
}

// HandleTask is the queue handler of models.TaskTypeBot messages
func (l *Launcher) HandleTask(ctx context.Context, delivery *interfaces.Delivery) error {
	var jc models.JobConfig
	if err := json.Unmarshal(delivery.Message.Payload, &jc); err != nil {
		l.failState(ctx, delivery.Message.JobID, "", "", fmt.Errorf("invalid job payload: %w", err))
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	if jc.PID == "" {
		jc.PID = delivery.Message.JobID
	}

	if state, err := l.deps.Tasks.GetTaskState(ctx, jc.PID); err == nil && state.Status.IsTerminal() {
		l.logger.Info().Str("pid", jc.PID).Str("status", string(state.Status)).Msg("Skipping task already settled")
		return nil
	}

	stopHeartbeat := l.heartbeat(ctx, delivery.ID)
	defer stopHeartbeat()

	status, err := l.Launch(ctx, jc)
	if err != nil {
		return err
	}
	if status != string(models.JobStatusFinished) {
		return fmt.Errorf("job %s ended %s", jc.PID, status)
	}
	return nil
}

// Launch runs a job in this process and returns its terminal status name
func (l *Launcher) Launch(ctx context.Context, jc models.JobConfig) (string, error) {
	reg, err := l.deps.Registry.Lookup(jc.Category, jc.System)
	if err != nil {
		l.failState(ctx, jc.PID, jc.Category, jc.System, err)
		return string(models.JobStatusFailed), err
	}
	bot, err := reg.New(jc)
	if err != nil {
		err = fmt.Errorf("failed to build bot %s: %w", reg.Key(), err)
		l.failState(ctx, jc.PID, jc.Category, jc.System, err)
		return string(models.JobStatusFailed), err
	}

	var driver interfaces.Driver
	if reg.NeedsDriver && l.deps.NewDriver != nil {
		driver = l.deps.NewDriver(jc.PID)
	}
	var publisher interfaces.Publisher = progress.NoopPublisher{}
	if l.deps.NewPublisher != nil {
		publisher = l.deps.NewPublisher(jc.PID)
	}

	ctrl := controller.New(controller.Deps{
		Bot:       bot,
		Driver:    driver,
		Publisher: publisher,
		Artifacts: l.deps.Artifacts,
		Tasks:     l.deps.Tasks,
		Logger:    l.logger,
	}, l.config)

	if !l.track(jc.PID, ctrl) {
		return string(models.JobStatusFailed), fmt.Errorf("%w: %s is running", models.ErrJobExists, jc.PID)
	}
	defer l.untrack(jc.PID)

	if err := l.saveState(ctx, &models.TaskState{
		PID:      jc.PID,
		Category: jc.Category,
		System:   jc.System,
		Status:   models.TaskStatusRunning,
	}); err != nil {
		l.logger.Warn().Err(err).Str("pid", jc.PID).Msg("Failed to persist running state")
	}

	snap, runErr := ctrl.Run(ctx, jc)

	final := &models.TaskState{
		PID:      jc.PID,
		Category: jc.Category,
		System:   jc.System,
		Status:   models.TaskStatusFinished,
		Snapshot: &snap,
	}
	if snap.Status == models.JobStatusFailed {
		final.Status = models.TaskStatusFailed
		final.Message = snap.Error
	}
	if err := l.saveState(context.WithoutCancel(ctx), final); err != nil {
		l.logger.Error().Err(err).Str("pid", jc.PID).Msg("Failed to persist terminal state")
	}

	l.logger.Info().
		Str("pid", jc.PID).
		Str("status", string(snap.Status)).
		Int("success", snap.SuccessCount).
		Int("errors", snap.ErrorCount).
		Msg("Job launch complete")

	if snap.Status == models.JobStatusFailed {
		return string(models.JobStatusFailed), runErr
	}
	return string(models.JobStatusFinished), nil
}

// Stop requests a stop. A job running here is stopped through its controller, a queued
// job is settled before it starts and a job running elsewhere gets the stop sentinel.
func (l *Launcher) Stop(ctx context.Context, pid, reason string) (bool, error) {
	if ctrl := l.controller(pid); ctrl != nil {
		return ctrl.Stop(reason), nil
	}

	state, err := l.deps.Tasks.GetTaskState(ctx, pid)
	if err != nil {
		return false, err
	}
	switch {
	case state.Status.IsTerminal():
		return false, nil
	case state.Status == models.TaskStatusQueued:
		state.Status = models.TaskStatusFinished
		state.Message = "stopped before start: " + reason
		if err := l.saveState(ctx, state); err != nil {
			return false, err
		}
		l.logger.Info().Str("pid", pid).Str("reason", reason).Msg("Queued job stopped")
		return true, nil
	}

	if err := cancel.RequestStop(l.config.Jobs.WorkDir, pid, reason); err != nil {
		return false, err
	}
	l.logger.Info().Str("pid", pid).Str("reason", reason).Msg("Stop sentinel written")
	return true, nil
}

// Status returns the live snapshot of a local job, or the persisted one
func (l *Launcher) Status(ctx context.Context, pid string) (models.JobSnapshot, error) {
	if ctrl := l.controller(pid); ctrl != nil {
		if snap := ctrl.Status(ctx); snap.PID != "" {
			return snap, nil
		}
	}

	state, err := l.deps.Tasks.GetTaskState(ctx, pid)
	if err != nil {
		return models.JobSnapshot{}, err
	}
	if state.Snapshot != nil {
		return *state.Snapshot, nil
	}
	return snapshotFromState(state), nil
}

// Running lists the pids of jobs running in this process, sorted
func (l *Launcher) Running() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pids := make([]string, 0, len(l.running))
	for pid := range l.running {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	return pids
}

// IsRunning reports whether pid has a live controller here
func (l *Launcher) IsRunning(pid string) bool {
	return l.controller(pid) != nil
}

// StopAll asks every local job to stop, used on shutdown
func (l *Launcher) StopAll(reason string) int {
	l.mu.RLock()
	ctrls := make([]*controller.Controller, 0, len(l.running))
	for _, c := range l.running {
		ctrls = append(ctrls, c)
	}
	l.mu.RUnlock()

	n := 0
	for _, c := range ctrls {
		if c.Stop(reason) {
			n++
		}
	}
	return n
}

func (l *Launcher) handleStopRequested(ctx context.Context, event interfaces.Event) error {
	ref, ok := event.Payload.(models.RoomRef)
	if !ok {
		return fmt.Errorf("unexpected stop payload %T", event.Payload)
	}
	reason := ref.Reason
	if reason == "" {
		reason = "bot_stop"
	}
	_, err := l.Stop(ctx, ref.Room, reason)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

// heartbeat keeps the delivery hidden while the job runs
func (l *Launcher) heartbeat(ctx context.Context, messageID string) func() {
	every := l.visibility / 2
	if l.deps.Queue == nil || messageID == "" || every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	common.SafeGo(l.logger, "taskHeartbeat:"+messageID, func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.deps.Queue.Extend(ctx, messageID, l.visibility); err != nil {
					l.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to extend task visibility")
				}
			}
		}
	})
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (l *Launcher) track(pid string, ctrl *controller.Controller) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.running[pid]; exists {
		return false
	}
	l.running[pid] = ctrl
	return true
}

func (l *Launcher) untrack(pid string) {
	l.mu.Lock()
	delete(l.running, pid)
	l.mu.Unlock()
}

func (l *Launcher) controller(pid string) *controller.Controller {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running[pid]
}

func (l *Launcher) failState(ctx context.Context, pid, category, system string, cause error) {
	if pid == "" {
		return
	}
	state := &models.TaskState{
		PID:      pid,
		Category: category,
		System:   system,
		Status:   models.TaskStatusFailed,
		Message:  cause.Error(),
	}
	if err := l.saveState(ctx, state); err != nil {
		l.logger.Error().Err(err).Str("pid", pid).Msg("Failed to persist failed state")
	}
}

// saveState persists a task state, keeping the original enqueue time
func (l *Launcher) saveState(ctx context.Context, state *models.TaskState) error {
	if prev, err := l.deps.Tasks.GetTaskState(ctx, state.PID); err == nil {
		state.EnqueuedAt = prev.EnqueuedAt
		if state.Category == "" {
			state.Category = prev.Category
			state.System = prev.System
		}
	}
	if err := l.deps.Tasks.SaveTaskState(ctx, state); err != nil {
		return fmt.Errorf("failed to save task state %s: %w", state.PID, err)
	}
	if l.deps.Events != nil {
		_ = l.deps.Events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventTaskStateChanged,
			Payload: *state,
		})
	}
	return nil
}

func snapshotFromState(state *models.TaskState) models.JobSnapshot {
	snap := models.JobSnapshot{
		PID:       state.PID,
		Category:  state.Category,
		System:    state.System,
		StartedAt: state.EnqueuedAt,
		Error:     state.Message,
	}
	switch state.Status {
	case models.TaskStatusQueued:
		snap.Status = models.JobStatusInitializing
	case models.TaskStatusRunning:
		snap.Status = models.JobStatusRunning
	case models.TaskStatusFinished:
		snap.Status = models.JobStatusFinished
	case models.TaskStatusFailed:
		snap.Status = models.JobStatusFailed
	}
	if state.Status.IsTerminal() {
		t := state.UpdatedAt
		snap.FinishedAt = &t
	}
	return snap
}
