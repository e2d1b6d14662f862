// -----------------------------------------------------------------------
// Partitioned Processor - bounded partition/row pools and download pipeline
// -----------------------------------------------------------------------

package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Reporter receives progress events produced by row workers
type Reporter interface {
	Report(row int, kind models.EventKind, message string)
}

// RecordSink receives result records
type RecordSink interface {
	Append(rec models.ResultRecord) bool
}

// StopSignal is polled at every row and partition checkpoint
type StopSignal interface {
	Requested() bool
}

// Deps are the collaborators of a processor run
type Deps struct {
	Bot      interfaces.Bot
	Driver   interfaces.Driver
	Stop     StopSignal
	Reporter Reporter
	Success  RecordSink
	Errors   RecordSink
	Logger   arbor.ILogger
	// RestartDriver re-initializes the shared driver after a fatal failure. It returns an
	// error once no restart is left.
	RestartDriver func(ctx context.Context, cause error) error
}

// Options size the pools and pacing of a run
type Options struct {
	PartitionWorkers  int
	RowWorkers        int
	RowInterval       time.Duration
	PartitionInterval time.Duration
	DownloadQueueSize int
	DownloadWorkers   int
	// TempDir receives downloaded artifacts
	TempDir string
	// KeyColumn is recorded on error rows to identify the input row
	KeyColumn string
}

// Processor runs a plan against a bot
type Processor struct {
	deps Deps
	opts Options

	driverMu  sync.Mutex // serializes every use of the shared driver
	downloads chan download
}

type download struct {
	row     models.Row
	outcome models.RowOutcome
}

// New creates a processor
func New(deps Deps, opts Options) *Processor {
	if opts.PartitionWorkers <= 0 {
		opts.PartitionWorkers = 1
	}
	if opts.RowWorkers <= 0 {
		opts.RowWorkers = 16
	}
	if opts.DownloadQueueSize <= 0 {
		opts.DownloadQueueSize = 32
	}
	if opts.DownloadWorkers <= 0 {
		opts.DownloadWorkers = 1
	}
	if opts.KeyColumn == "" {
		opts.KeyColumn = "NUMERO_PROCESSO"
	}
	return &Processor{deps: deps, opts: opts}
}

// Run processes every partition of the plan and returns once all row workers and the
// download pipeline are done. Only an unrecoverable driver failure is returned; row
// failures and stop requests end as records and events.
func (p *Processor) Run(ctx context.Context, plan *Plan) error {
	logger := p.deps.Logger

	for _, invalid := range plan.Invalid {
		p.finish(invalid.Row, models.Failure(invalid.Err))
	}

	p.downloads = make(chan download, p.opts.DownloadQueueSize)
	var consumers sync.WaitGroup
	for i := 0; i < p.opts.DownloadWorkers; i++ {
		consumers.Add(1)
		common.SafeGo(logger, "downloadConsumer", func() {
			defer consumers.Done()
			p.consumeDownloads(ctx)
		})
	}

	err := p.runPartitions(ctx, plan)

	close(p.downloads)
	consumers.Wait()
	return err
}

func (p *Processor) runPartitions(ctx context.Context, plan *Plan) error {
	limiter := newLimiter(p.opts.PartitionInterval)
	width := p.opts.PartitionWorkers
	if !plan.Partitioned {
		width = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)

	for _, part := range plan.Partitions {
		if p.stopped() || gctx.Err() != nil {
			break
		}
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			if p.stopped() || gctx.Err() != nil {
				return nil
			}
			return p.runPartition(gctx, plan.Partitioned, part)
		})
	}
	return g.Wait()
}

func (p *Processor) runPartition(ctx context.Context, partitioned bool, part *Partition) error {
	logger := p.deps.Logger
	if p.stopped() {
		return nil
	}

	var session *interfaces.Session
	width := p.opts.RowWorkers
	if partitioned {
		pb, ok := p.deps.Bot.(interfaces.PartitionedBot)
		if !ok {
			return fmt.Errorf("bot does not support partitions")
		}
		if err := p.withDriver(ctx, "open session "+part.Name, func() error {
			var err error
			session, err = pb.OpenSession(ctx, part.Name, p.deps.Driver)
			return err
		}); err != nil {
			if models.IsDriverFatal(err) {
				return err
			}
			// the partition cannot run: every row becomes an error record
			logger.Warn().Err(err).Str("partition", part.Name).Msg("Failed to open partition session")
			for _, row := range part.Rows {
				p.finish(row, models.Failure(fmt.Errorf("failed to open session for region %s: %w", part.Name, err)))
			}
			return nil
		}
	} else {
		// the driver is used per row
		width = 1
	}

	logger.Info().
		Str("partition", part.Name).
		Int("rows", len(part.Rows)).
		Int("workers", width).
		Msg("Partition started")

	limiter := newLimiter(p.opts.RowInterval)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)

	for i := range part.Rows {
		if p.stopped() || gctx.Err() != nil {
			break
		}
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		row := part.Rows[i]
		row.Index = part.Position(i)
		g.Go(func() error {
			// a row waiting for a worker when the stop lands, or when a sibling row lost the
			// driver, is left unprocessed
			if p.stopped() || gctx.Err() != nil {
				return nil
			}
			return p.runRow(gctx, session, row)
		})
	}

	err := g.Wait()
	logger.Info().Str("partition", part.Name).Msg("Partition finished")
	return err
}

// runRow processes one row. Only a driver failure that could not be recovered escapes.
func (p *Processor) runRow(ctx context.Context, session *interfaces.Session, row models.Row) error {
	number := row.Number()
	rc := &interfaces.RowContext{
		Row:     row,
		Session: session,
		Logger:  p.deps.Logger,
		Report: func(kind models.EventKind, message string) {
			if kind.Counts() {
				kind = models.EventKindInfo
			}
			p.deps.Reporter.Report(number, kind, message)
		},
	}

	var outcome models.RowOutcome
	process := func() error {
		return common.Guard(func() error {
			outcome = p.deps.Bot.ProcessRow(ctx, rc)
			return nil
		})
	}

	var err error
	if session == nil {
		err = p.withDriver(ctx, "row "+strconv.Itoa(number), func() error {
			rc.Driver = p.deps.Driver
			if err := process(); err != nil {
				return err
			}
			if outcome.Kind == models.OutcomeError && models.IsDriverFatal(outcome.Err) {
				return outcome.Err
			}
			return nil
		})
		if models.IsDriverFatal(err) {
			p.finish(row, models.Failure(err))
			return err
		}
	} else {
		err = process()
	}

	if err != nil {
		outcome = models.Failure(err)
	}
	p.settle(ctx, row, outcome)
	return nil
}

// withDriver runs fn holding the driver. A fatal driver error restarts the driver and runs
// fn again, until the restart policy gives up.
func (p *Processor) withDriver(ctx context.Context, op string, fn func() error) error {
	p.driverMu.Lock()
	defer p.driverMu.Unlock()

	for {
		err := fn()
		if err == nil || !models.IsDriverFatal(err) {
			return err
		}
		if p.deps.RestartDriver == nil {
			return err
		}
		p.deps.Logger.Warn().Err(err).Str("op", op).Msg("Driver failure, restarting")
		if rerr := p.deps.RestartDriver(ctx, err); rerr != nil {
			return &models.DriverFatalError{Op: op, Err: rerr}
		}
	}
}

// settle hands rows with a download to the pipeline and finishes every other row
func (p *Processor) settle(ctx context.Context, row models.Row, outcome models.RowOutcome) {
	if outcome.Kind != models.OutcomeSuccess || outcome.Download == nil {
		p.finish(row, outcome)
		return
	}

	p.deps.Reporter.Report(row.Number(), models.EventKindInfo, "Baixando "+outcome.Download.FileName)
	select {
	case p.downloads <- download{row: row, outcome: outcome}:
	case <-ctx.Done():
		p.finish(row, models.Failure(fmt.Errorf("download of %s not started: %w", outcome.Download.FileName, ctx.Err())))
	}
}

// finish writes the row's records and its single counting event
func (p *Processor) finish(row models.Row, outcome models.RowOutcome) {
	number := row.Number()
	message := outcome.Describe()

	switch outcome.Kind {
	case models.OutcomeSuccess:
		for _, rec := range outcome.Records {
			rec.Row = number
			p.deps.Success.Append(rec)
		}
		p.deps.Reporter.Report(number, models.EventKindSuccess, message)
	default:
		for _, rec := range outcome.Records {
			rec.Row = number
			p.deps.Errors.Append(rec)
		}
		p.deps.Errors.Append(p.errorRecord(row, message))
		p.deps.Reporter.Report(number, models.EventKindError, message)
	}
}

func (p *Processor) errorRecord(row models.Row, message string) models.ResultRecord {
	return models.NewResultRecord(models.WorksheetErrors, row.Number(),
		"LINHA", strconv.Itoa(row.Number()),
		p.opts.KeyColumn, row.Get(p.opts.KeyColumn),
		"MOTIVO_ERRO", message,
	)
}

func (p *Processor) consumeDownloads(ctx context.Context) {
	for d := range p.downloads {
		if err := p.fetch(ctx, d.outcome.Download); err != nil {
			p.deps.Logger.Warn().Err(err).Int("row", d.row.Number()).Msg("Download failed")
			p.finish(d.row, models.Failure(&models.RowError{Row: d.row.Number(), Err: err}))
			continue
		}
		p.finish(d.row, d.outcome)
	}
}

func (p *Processor) fetch(ctx context.Context, task *models.DownloadTask) error {
	if err := os.MkdirAll(p.opts.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	path := filepath.Join(p.opts.TempDir, filepath.Base(task.FileName))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", task.FileName, err)
	}

	err = common.Guard(func() error { return task.Fetch(ctx, f) })
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to download %s: %w", task.FileName, err)
	}
	return nil
}

func (p *Processor) stopped() bool {
	return p.deps.Stop != nil && p.deps.Stop.Requested()
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
