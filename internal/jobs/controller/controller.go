// -----------------------------------------------------------------------
// Job Controller - setup, execute, stop, status and finalize of one job
// -----------------------------------------------------------------------

package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/jobs/cancel"
	"github.com/ternarybob/crawjud/internal/jobs/input"
	"github.com/ternarybob/crawjud/internal/jobs/partition"
	"github.com/ternarybob/crawjud/internal/jobs/progress"
	"github.com/ternarybob/crawjud/internal/jobs/record"
	"github.com/ternarybob/crawjud/internal/jobs/sink"
	"github.com/ternarybob/crawjud/internal/models"
)

// Deps are the collaborators a controller is built with. Only Bot and Logger are required.
type Deps struct {
	Bot       interfaces.Bot
	Driver    interfaces.Driver
	Publisher interfaces.Publisher
	Artifacts interfaces.ArtifactStore
	Tasks     interfaces.TaskStateStorage
	Logger    arbor.ILogger
}

// Controller runs a single job. It is used once: Setup, Execute, Finalize.
type Controller struct {
	deps   Deps
	config *common.Config
	logger arbor.ILogger

	record   *record.Record
	token    *cancel.Token
	reporter *progress.Reporter
	success  *sink.Sink
	errs     *sink.Sink
	plan     *partition.Plan
	env      *interfaces.BotEnv

	jobDir  string
	tempDir string

	executed     atomic.Bool
	driverUp     atomic.Bool
	restarts     atomic.Int32
	finalizeOnce sync.Once
	finalizeErr  error
}

// New creates a controller
func New(deps Deps, config *common.Config) *Controller {
	return &Controller{deps: deps, config: config, logger: deps.Logger}
}

// Setup validates the job, loads its rows and starts the reporter, the sinks and the
// driver. The returned record is valid even when Setup fails; it is then Failed.
func (c *Controller) Setup(ctx context.Context, jc models.JobConfig) (*record.Record, error) {
	if c.record != nil {
		return c.record, fmt.Errorf("job %s already set up", c.record.PID())
	}
	c.record = record.New(jc, time.Now())
	if jc.PID != "" {
		c.logger = c.deps.Logger.WithCorrelationId(jc.PID)
	}

	if err := c.setup(ctx, jc); err != nil {
		c.record.Fail(err)
		c.logger.Error().Err(err).Str("pid", jc.PID).Msg("Job setup failed")
		return c.record, err
	}

	snap := c.record.Snapshot()
	c.logger.Info().
		Str("pid", snap.PID).
		Str("category", snap.Category).
		Str("system", snap.System).
		Int("total_rows", snap.TotalRows).
		Int("partitions", len(c.plan.Partitions)).
		Msg("Job set up")
	return c.record, nil
}

func (c *Controller) setup(ctx context.Context, jc models.JobConfig) error {
	if c.deps.Bot == nil {
		return &models.ConfigError{Field: "bot", Err: models.ErrUnknownBot}
	}
	if err := jc.Validate(); err != nil {
		return err
	}

	jobs := c.config.Jobs
	c.jobDir = filepath.Join(jobs.WorkDir, jc.PID)
	c.tempDir = filepath.Join(jobs.WorkDir, "temp", jc.PID)
	for _, dir := range []string{c.jobDir, c.tempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create job directory: %w", err)
		}
	}

	c.token = cancel.New(jobs.WorkDir, jc.PID, c.logger)
	if err := c.token.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("Stale stop sentinel left in place")
	}

	c.reporter = progress.NewReporter(c.record, c.deps.Publisher, c.logger, progress.Options{
		Attempts: c.config.Progress.PublishAttempts,
		Backoff:  common.ParseDuration(c.config.Progress.PublishBackoff, 500*time.Millisecond),
	})
	if notifier, ok := c.deps.Publisher.(interfaces.StopNotifier); ok {
		notifier.OnStop(func(reason string) { c.Stop(reason) })
	}
	c.reporter.Start()

	path := jc.Input
	if !filepath.IsAbs(path) {
		path = filepath.Join(jobs.WorkDir, path)
	}
	rows, err := input.Load(path)
	if err != nil {
		return &models.ConfigError{Field: "input", Err: err}
	}

	plan, err := c.buildPlan(jc, rows)
	if err != nil {
		return err
	}
	c.plan = plan
	if err := c.record.SetTotalRows(plan.Rows()); err != nil {
		return err
	}

	flush := common.ParseDuration(jobs.FlushInterval, 5*time.Second)
	writer := sink.NewXLSXWriter(c.jobDir, c.record.Config())
	c.success = sink.New("success", writer, flush, c.logger)
	c.errs = sink.New("error", writer, flush, c.logger)
	c.success.Start()
	c.errs.Start()

	c.env = &interfaces.BotEnv{
		Config:    c.record.Config(),
		Driver:    c.deps.Driver,
		Logger:    c.logger,
		OutputDir: c.jobDir,
	}
	if c.deps.Driver != nil {
		if err := c.deps.Driver.Start(ctx); err != nil {
			return &models.DriverFatalError{Op: "start", Err: err}
		}
		c.driverUp.Store(true)
	}
	if err := c.deps.Bot.Setup(ctx, c.env); err != nil {
		return fmt.Errorf("bot setup failed: %w", err)
	}

	c.reporter.Report(0, models.EventKindInfo, "Iniciando execução")
	return nil
}

// buildPlan partitions rows when the job names a partition key and the bot supports it
func (c *Controller) buildPlan(jc models.JobConfig, rows []models.Row) (*partition.Plan, error) {
	column := strings.ToUpper(strings.TrimSpace(jc.PartitionKey))
	if column == "" {
		return partition.Single(rows), nil
	}
	pb, ok := c.deps.Bot.(interfaces.PartitionedBot)
	if !ok {
		return nil, &models.ConfigError{
			Field: "partition_key",
			Err:   fmt.Errorf("bot %s/%s does not support partitions", jc.Category, jc.System),
		}
	}
	for _, row := range rows {
		if v, ok := row.Values[column]; ok {
			row.Values[column] = partition.NormalizeCaseNumber(v)
		}
	}
	return partition.Build(rows, pb.PartitionKey), nil
}

// Execute runs the job to completion. It may be called once; rows are processed until
// all are done, a stop is requested or the driver cannot be recovered.
func (c *Controller) Execute(ctx context.Context) error {
	if !c.executed.CompareAndSwap(false, true) {
		return models.ErrAlreadyExecuted
	}
	if c.plan == nil || c.record.Snapshot().Status.IsTerminal() {
		return models.ErrNotSetup
	}
	c.record.Transition(models.JobStatusRunning)

	jobs := c.config.Jobs
	proc := partition.New(partition.Deps{
		Bot:           c.deps.Bot,
		Driver:        c.deps.Driver,
		Stop:          c.token,
		Reporter:      c.reporter,
		Success:       c.success,
		Errors:        c.errs,
		Logger:        c.logger,
		RestartDriver: c.restartDriver,
	}, partition.Options{
		PartitionWorkers:  jobs.PartitionWorkers,
		RowWorkers:        jobs.RowWorkers,
		RowInterval:       common.ParseDuration(jobs.RowInterval, 0),
		PartitionInterval: common.ParseDuration(jobs.PartitionInterval, 0),
		DownloadQueueSize: jobs.DownloadQueueSize,
		DownloadWorkers:   jobs.DownloadWorkers,
		TempDir:           c.tempDir,
		KeyColumn:         c.keyColumn(),
	})

	start := time.Now()
	err := proc.Run(ctx, c.plan)
	if err != nil {
		c.record.Fail(err)
		c.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Job execution failed")
		return err
	}

	if c.token.Requested() {
		c.record.Transition(models.JobStatusStopping)
		c.logger.Info().Str("reason", c.token.Reason()).Dur("elapsed", time.Since(start)).Msg("Job stopped")
		return nil
	}
	c.logger.Info().Dur("elapsed", time.Since(start)).Msg("Job execution complete")
	return nil
}

func (c *Controller) keyColumn() string {
	if key := strings.ToUpper(strings.TrimSpace(c.record.Config().PartitionKey)); key != "" {
		return key
	}
	return "NUMERO_PROCESSO"
}

// restartDriver is the driver re-initialization policy used by the processor
func (c *Controller) restartDriver(ctx context.Context, cause error) error {
	limit := c.config.Jobs.MaxDriverRestarts
	n := int(c.restarts.Add(1))
	if n > limit || c.deps.Driver == nil {
		return fmt.Errorf("driver not recovered after %d restarts: %w", limit, cause)
	}

	c.logger.Warn().Err(cause).Int("attempt", n).Int("limit", limit).Msg("Restarting browser driver")
	c.reporter.Report(0, models.EventKindInfo, fmt.Sprintf("Reiniciando navegador (%d/%d)", n, limit))
	if err := c.deps.Driver.Restart(ctx); err != nil {
		return fmt.Errorf("driver restart %d failed: %w", n, err)
	}
	if err := c.deps.Bot.Setup(ctx, c.env); err != nil {
		return fmt.Errorf("bot setup after restart %d failed: %w", n, err)
	}
	return nil
}

// Stop requests a cooperative stop without blocking. Only the first request on a live job
// is acknowledged; repeats and requests against a finished job have no effect.
func (c *Controller) Stop(reason string) bool {
	if c.record == nil || c.token == nil || c.record.Snapshot().Status.IsTerminal() {
		return false
	}
	if reason == "" {
		reason = "stop requested"
	}
	if !c.token.Stop(reason) {
		return false
	}
	if err := cancel.RequestStop(c.config.Jobs.WorkDir, c.record.PID(), reason); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write stop sentinel")
	}
	c.record.Transition(models.JobStatusStopping)
	c.reporter.Report(0, models.EventKindInfo, "Parada solicitada: "+reason)
	return true
}

// Status returns a consistent snapshot. A terminal task state recorded by the task queue
// overrides a record that still claims to be running.
func (c *Controller) Status(ctx context.Context) models.JobSnapshot {
	if c.record == nil {
		return models.JobSnapshot{}
	}
	snap := c.record.Snapshot()
	if snap.Status.IsTerminal() || c.deps.Tasks == nil {
		return snap
	}
	return Reconcile(ctx, snap, c.deps.Tasks)
}

// Reconcile resolves a non-terminal snapshot against the persisted task state
func Reconcile(ctx context.Context, snap models.JobSnapshot, tasks interfaces.TaskStateStorage) models.JobSnapshot {
	state, err := tasks.GetTaskState(ctx, snap.PID)
	if err != nil || state == nil {
		return snap
	}
	switch state.Status {
	case models.TaskStatusFinished:
		snap.Status = models.JobStatusFinished
	case models.TaskStatusFailed:
		snap.Status = models.JobStatusFailed
		if snap.Error == "" {
			snap.Error = state.Message
		}
	default:
		return snap
	}
	if snap.FinishedAt == nil {
		t := state.UpdatedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Record returns the job record, nil before Setup
func (c *Controller) Record() *record.Record {
	return c.record
}

// Finalize flushes the sinks, archives and uploads the results, emits the terminal event,
// releases the driver and closes the reporter last. It runs under its own deadline of
// jobs.finalize_timeout even when ctx is already cancelled. Safe after a failed Setup and
// safe to call more than once.
func (c *Controller) Finalize(ctx context.Context) error {
	c.finalizeOnce.Do(func() {
		// a cancelled caller still gets its results flushed and the terminal event sent
		timeout := common.ParseDuration(c.config.Jobs.FinalizeTimeout, 2*time.Minute)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		c.finalizeErr = c.finalize(fctx)
	})
	return c.finalizeErr
}

func (c *Controller) finalize(ctx context.Context) error {
	if c.record == nil {
		return models.ErrNotSetup
	}
	var errs []error

	var files []string
	for _, s := range []*sink.Sink{c.success, c.errs} {
		if s == nil {
			continue
		}
		written, err := s.Close(ctx)
		if err != nil {
			errs = append(errs, err)
			c.logger.Error().Err(err).Msg("Result sink did not flush completely")
		}
		files = append(files, written...)
	}

	if len(files) > 0 {
		link, err := c.publishResults(ctx, files)
		if err != nil {
			errs = append(errs, err)
			c.logger.Error().Err(err).Msg("Failed to publish result archive")
		} else {
			c.record.SetResultLink(link)
		}
	}

	if !c.record.Snapshot().Status.IsTerminal() {
		c.record.Transition(models.JobStatusFinished)
	}
	snap := c.record.Snapshot()

	if c.reporter != nil {
		terminal := models.ProgressEvent{
			Kind:       models.EventKindSuccess,
			Message:    "Execução finalizada",
			ResultLink: snap.ResultLink,
			Terminal:   true,
		}
		if snap.Status == models.JobStatusFailed {
			terminal.Kind = models.EventKindError
			terminal.Message = "Execução encerrada com falha: " + snap.Error
		}
		c.reporter.Emit(terminal)
	}

	if c.deps.Driver != nil && c.driverUp.Load() {
		if err := c.deps.Driver.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close browser driver")
		}
	}

	if c.reporter != nil {
		if err := c.reporter.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if c.token != nil {
		if err := c.token.Clear(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to remove stop sentinel")
		}
	}
	if err := os.RemoveAll(c.tempDir); err != nil && c.tempDir != "" {
		c.logger.Warn().Err(err).Str("dir", c.tempDir).Msg("Failed to remove temp directory")
	}

	c.logger.Info().
		Str("status", string(snap.Status)).
		Int("success", snap.SuccessCount).
		Int("errors", snap.ErrorCount).
		Int("remaining", snap.Remaining).
		Str("result_link", snap.ResultLink).
		Msg("Job finalized")
	return errors.Join(errs...)
}

// publishResults archives the result files and downloads and uploads the archive
func (c *Controller) publishResults(ctx context.Context, files []string) (string, error) {
	pid := c.record.PID()
	archive := filepath.Join(c.jobDir, common.ShortPID(pid)+".zip")
	n, err := writeArchive(archive, files, c.tempDir)
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("archive", archive).Int("entries", n).Msg("Result archive written")

	if c.deps.Artifacts == nil {
		return "", nil
	}
	ttl := common.ParseDuration(c.config.Artifacts.LinkExpiry, time.Hour)
	return c.deps.Artifacts.Put(ctx, pid+"/"+filepath.Base(archive), archive, ttl)
}

// Run sets up, executes and finalizes a job, returning its final snapshot
func (c *Controller) Run(ctx context.Context, jc models.JobConfig) (models.JobSnapshot, error) {
	_, err := c.Setup(ctx, jc)
	if err == nil {
		err = c.Execute(ctx)
	}
	if ferr := c.Finalize(ctx); ferr != nil && err == nil && !errors.Is(ferr, models.ErrNotSetup) {
		err = ferr
	}
	return c.record.Snapshot(), err
}
