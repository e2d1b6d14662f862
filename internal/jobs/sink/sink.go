// -----------------------------------------------------------------------
// Result Sink - non-blocking record intake with periodic merge-on-flush
// -----------------------------------------------------------------------

package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/models"
)

// Writer persists a batch of records for one worksheet and returns the file written
type Writer interface {
	Merge(worksheet string, records []models.ResultRecord) (string, error)
}

// Sink accumulates result records of one outcome kind. Append never blocks; a single
// goroutine flushes every interval and once more on Close.
type Sink struct {
	name     string
	writer   Writer
	interval time.Duration
	logger   arbor.ILogger
	queue    *common.FIFO[models.ResultRecord]

	pending []models.ResultRecord // records whose last write failed
	mu      sync.Mutex
	files   map[string]struct{}

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	appended atomic.Int64
	written  atomic.Int64
}

// New creates a sink named name ("success", "error") writing through writer
func New(name string, writer Writer, interval time.Duration, logger arbor.ILogger) *Sink {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sink{
		name:     name,
		writer:   writer,
		interval: interval,
		logger:   logger,
		queue:    common.NewFIFO[models.ResultRecord](),
		files:    make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the flush goroutine
func (s *Sink) Start() {
	s.startOnce.Do(func() {
		common.SafeGo(s.logger, "resultSink:"+s.name, func() {
			defer close(s.done)
			s.loop()
		})
	})
}

// Append queues a record. Returns false once the sink is closed.
func (s *Sink) Append(rec models.ResultRecord) bool {
	if !s.queue.Push(rec) {
		s.logger.Warn().Str("sink", s.name).Int("row", rec.Row).Msg("Result record after close discarded")
		return false
	}
	s.appended.Add(1)
	return true
}

// Close drains the queue with a final flush and returns the files written so far
func (s *Sink) Close(ctx context.Context) ([]string, error) {
	s.closeOnce.Do(func() {
		s.Start()
		s.queue.Close()
		close(s.stop)
		select {
		case <-s.done:
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("sink %s did not flush before deadline: %w", s.name, ctx.Err())
			return
		}
		if n := len(s.pending); n > 0 {
			s.closeErr = fmt.Errorf("sink %s: %d records could not be written", s.name, n)
		}
	})
	return s.Files(), s.closeErr
}

// Files returns the paths written by this sink, sorted
func (s *Sink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for f := range s.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Appended returns the number of records accepted
func (s *Sink) Appended() int64 { return s.appended.Load() }

// Written returns the number of records persisted
func (s *Sink) Written() int64 { return s.written.Load() }

func (s *Sink) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

// flush groups queued records by worksheet, keeping arrival order, and merges each group
func (s *Sink) flush() {
	batch := append(s.pending, s.queue.Drain()...)
	s.pending = nil
	if len(batch) == 0 {
		return
	}

	var order []string
	groups := make(map[string][]models.ResultRecord)
	for _, rec := range batch {
		if _, ok := groups[rec.Worksheet]; !ok {
			order = append(order, rec.Worksheet)
		}
		groups[rec.Worksheet] = append(groups[rec.Worksheet], rec)
	}

	for _, worksheet := range order {
		records := groups[worksheet]
		path, err := s.writer.Merge(worksheet, records)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("sink", s.name).
				Str("worksheet", worksheet).
				Int("records", len(records)).
				Msg("Failed to flush result records, will retry")
			s.pending = append(s.pending, records...)
			continue
		}

		s.mu.Lock()
		s.files[path] = struct{}{}
		s.mu.Unlock()
		s.written.Add(int64(len(records)))

		s.logger.Debug().
			Str("sink", s.name).
			Str("worksheet", worksheet).
			Int("records", len(records)).
			Str("file", path).
			Msg("Result records flushed")
	}
}
