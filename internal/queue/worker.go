package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// Handler processes one delivery. The delivery is deleted afterwards either way.
type Handler func(ctx context.Context, delivery *interfaces.Delivery) error

// WorkerPool polls a task queue and dispatches messages by type
type WorkerPool struct {
	queue    interfaces.TaskQueue
	config   Config
	handlers map[string]Handler
	logger   arbor.ILogger

	// ctx is handed to handlers, intake only gates receiving
	ctx        context.Context
	cancel     context.CancelFunc
	intake     context.Context
	stopIntake context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorkerPool creates a worker pool over queue
func NewWorkerPool(queue interfaces.TaskQueue, config Config, logger arbor.ILogger) *WorkerPool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	intake, stopIntake := context.WithCancel(ctx)
	return &WorkerPool{
		queue:      queue,
		config:     config,
		handlers:   make(map[string]Handler),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		intake:     intake,
		stopIntake: stopIntake,
	}
}

// RegisterHandler registers the handler of a message type
func (wp *WorkerPool) RegisterHandler(messageType string, handler Handler) {
	wp.handlers[messageType] = handler
	wp.logger.Debug().
		Str("type", messageType).
		Msg("Task handler registered")
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.logger.Info().
		Int("concurrency", wp.config.Concurrency).
		Dur("poll_interval", wp.config.PollInterval).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		workerID := i
		wp.wg.Add(1)
		common.SafeGo(wp.logger, fmt.Sprintf("queueWorker:%d", workerID), func() {
			defer wp.wg.Done()
			wp.worker(workerID)
		})
	}
}

// Stop cancels the workers and waits for running handlers to return
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.stopIntake()
	wp.cancel()
	wp.wg.Wait()
}

// Shutdown stops receiving tasks and lets running handlers return on their own. Handlers
// still running when ctx expires are cancelled; ctx.Err() is returned in that case.
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.logger.Info().Msg("Draining worker pool")
	wp.stopIntake()

	done := make(chan struct{})
	common.SafeGo(wp.logger, "workerPoolDrain", func() {
		defer close(done)
		wp.wg.Wait()
	})

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		wp.logger.Warn().Msg("Task handlers still running at shutdown deadline, cancelling")
		err = ctx.Err()
	}
	wp.cancel()
	<-done
	return err
}

func (wp *WorkerPool) worker(workerID int) {
	// stagger workers across the poll interval
	stagger := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-wp.intake.Done():
			return
		}
	}

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.intake.Done():
			wp.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		case <-ticker.C:
			// drain whatever is ready before waiting for the next tick
			for wp.intake.Err() == nil {
				err := wp.processMessage(workerID)
				if err == nil {
					continue
				}
				if !errors.Is(err, models.ErrNoMessage) && !errors.Is(err, context.Canceled) {
					wp.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Error processing task")
				}
				break
			}
		}
	}
}

// processMessage receives and handles a single message
func (wp *WorkerPool) processMessage(workerID int) error {
	delivery, err := wp.queue.Receive(wp.intake)
	if err != nil {
		if errors.Is(err, models.ErrNoMessage) {
			return err
		}
		return fmt.Errorf("failed to receive task: %w", err)
	}

	msg := delivery.Message
	handler, ok := wp.handlers[msg.Type]
	if !ok {
		wp.logger.Error().
			Str("type", msg.Type).
			Str("job_id", msg.JobID).
			Msg("No handler registered for task type")
		if delErr := delivery.Delete(); delErr != nil {
			wp.logger.Warn().Err(delErr).Msg("Failed to delete unroutable task")
		}
		return nil
	}

	wp.logger.Debug().
		Str("message_id", delivery.ID).
		Str("job_id", msg.JobID).
		Str("type", msg.Type).
		Int("worker_id", workerID).
		Msg("Processing task")

	start := time.Now()
	handlerErr := common.Guard(func() error { return handler(wp.ctx, delivery) })
	duration := time.Since(start)

	if delErr := delivery.Delete(); delErr != nil {
		wp.logger.Warn().Err(delErr).Str("message_id", delivery.ID).Msg("Failed to delete task")
	}

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("job_id", msg.JobID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Task failed")
		return nil
	}

	wp.logger.Info().
		Str("job_id", msg.JobID).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Task completed")
	return nil
}
