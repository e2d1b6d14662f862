package queue

import (
	"time"

	"github.com/ternarybob/crawjud/internal/common"
)

// Config holds configuration for the task queue and its workers
type Config struct {
	// PollInterval is how often idle workers poll for tasks
	PollInterval time.Duration

	// Concurrency is the number of jobs run at once by this process
	Concurrency int

	// VisibilityTimeout hides a claimed task for this long
	VisibilityTimeout time.Duration

	// MaxReceive is how many times a task may be received
	MaxReceive int

	// QueueName prefixes the queue keys in Badger
	QueueName string

	// ShutdownTimeout bounds how long Shutdown waits for running handlers
	ShutdownTimeout time.Duration
}

// NewConfig converts the [queue] section
func NewConfig(c common.QueueConfig) Config {
	return Config{
		PollInterval:      common.ParseDuration(c.PollInterval, time.Second),
		Concurrency:       c.Concurrency,
		VisibilityTimeout: common.ParseDuration(c.VisibilityTimeout, 6*time.Hour),
		MaxReceive:        c.MaxReceive,
		QueueName:         c.QueueName,
		ShutdownTimeout:   common.ParseDuration(c.ShutdownTimeout, 3*time.Minute),
	}
}
