// -----------------------------------------------------------------------
// Progress Reporter - single relay from job workers to the job room
// -----------------------------------------------------------------------

package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/jobs/record"
	"github.com/ternarybob/crawjud/internal/models"
)

// Options tunes delivery
type Options struct {
	Attempts int           // Connect-and-publish attempts per event before it is dropped
	Backoff  time.Duration // Pause between attempts
}

// Reporter owns the counters of a job record. Emit may be called from any goroutine;
// events are applied and published by one relay goroutine in arrival order.
type Reporter struct {
	record    *record.Record
	publisher interfaces.Publisher
	logger    arbor.ILogger
	opts      Options
	queue     *common.FIFO[models.ProgressEvent]

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	connected bool
	published atomic.Int64
	dropped   atomic.Int64
}

// NewReporter creates a reporter for rec publishing through publisher
func NewReporter(rec *record.Record, publisher interfaces.Publisher, logger arbor.ILogger, opts Options) *Reporter {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		record:    rec,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		queue:     common.NewFIFO[models.ProgressEvent](),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the relay goroutine
func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		common.SafeGo(r.logger, "progressRelay", func() {
			defer close(r.done)
			r.relay()
		})
	})
}

// Emit queues an event. Never blocks. Events emitted after Close are dropped.
func (r *Reporter) Emit(event models.ProgressEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	event.PID = r.record.PID()
	if !r.queue.Push(event) {
		r.logger.Debug().Int("row", event.Row).Str("kind", string(event.Kind)).Msg("Progress event after close discarded")
	}
}

// Report queues a row event
func (r *Reporter) Report(row int, kind models.EventKind, message string) {
	r.Emit(models.ProgressEvent{Row: row, Kind: kind, Message: message})
}

// Close stops intake, waits until every queued event was relayed (or ctx expires)
// and closes the publisher.
func (r *Reporter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.Start()
		r.queue.Close()

		select {
		case <-r.done:
		case <-ctx.Done():
			r.logger.Warn().Int("pending", r.queue.Len()).Msg("Progress relay did not drain before deadline")
			r.cancel()
			<-r.done
			r.closeErr = ctx.Err()
		}
		r.cancel()

		if err := r.publisher.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close progress publisher")
		}

		r.logger.Debug().
			Int64("published", r.published.Load()).
			Int64("dropped", r.dropped.Load()).
			Msg("Progress reporter closed")
	})
	return r.closeErr
}

// Published returns the number of events delivered
func (r *Reporter) Published() int64 {
	return r.published.Load()
}

// Dropped returns the number of events abandoned after all attempts
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Reporter) relay() {
	for {
		event, ok := r.queue.Pop(r.ctx)
		if !ok || r.ctx.Err() != nil {
			return
		}
		stamped := r.record.Apply(event)
		if err := r.deliver(stamped); err != nil {
			r.dropped.Add(1)
			r.logger.Warn().
				Err(err).
				Int("row", stamped.Row).
				Str("kind", string(stamped.Kind)).
				Str("message", stamped.Message).
				Msg("Progress event dropped")
			continue
		}
		r.published.Add(1)
	}
}

// deliver publishes event, reconnecting and resending until attempts run out
func (r *Reporter) deliver(event models.ProgressEvent) error {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if attempt > 1 && !r.sleep(r.opts.Backoff) {
			return &models.PublishError{Attempts: attempt - 1, Err: r.ctx.Err()}
		}

		if !r.connected {
			if err := r.publisher.Connect(r.ctx); err != nil {
				lastErr = err
				r.logger.Debug().Err(err).Int("attempt", attempt).Msg("Progress channel connect failed")
				continue
			}
			r.connected = true
		}

		if err := r.publisher.Publish(r.ctx, event); err != nil {
			lastErr = err
			r.connected = false
			r.logger.Debug().Err(err).Int("attempt", attempt).Msg("Progress publish failed, reconnecting")
			continue
		}
		return nil
	}
	return &models.PublishError{Attempts: r.opts.Attempts, Err: lastErr}
}

func (r *Reporter) sleep(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}
