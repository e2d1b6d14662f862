package interfaces

import (
	"context"

	"github.com/ternarybob/crawjud/internal/models"
)

// Publisher delivers progress events to the observers of one job room.
// Implementations are used by a single goroutine and need not be goroutine-safe.
type Publisher interface {
	// Connect opens (or reopens) the channel and joins the job room
	Connect(ctx context.Context) error
	Publish(ctx context.Context, event models.ProgressEvent) error
	Close() error
}

// StopHandler is called with the reason of a remote stop request
type StopHandler func(reason string)

// StopNotifier is implemented by publishers whose channel also carries bot_stop requests
type StopNotifier interface {
	OnStop(handler StopHandler)
}
