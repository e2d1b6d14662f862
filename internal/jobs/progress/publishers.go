package progress

import (
	"context"
	"fmt"

	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// NoopPublisher discards events. Used when progress.transport is "none".
type NoopPublisher struct{}

func (NoopPublisher) Connect(ctx context.Context) error                             { return nil }
func (NoopPublisher) Publish(ctx context.Context, event models.ProgressEvent) error { return nil }
func (NoopPublisher) Close() error                                                  { return nil }

// HubPublisher hands events to the in-process event bus, where the websocket room hub
// picks them up. Used when the job runs inside the server process.
type HubPublisher struct {
	events interfaces.EventService
}

// NewHubPublisher creates a publisher on the given event bus
func NewHubPublisher(events interfaces.EventService) *HubPublisher {
	return &HubPublisher{events: events}
}

func (p *HubPublisher) Connect(ctx context.Context) error {
	if p.events == nil {
		return fmt.Errorf("event service not configured")
	}
	return nil
}

// Publish delivers synchronously so room order matches relay order
func (p *HubPublisher) Publish(ctx context.Context, event models.ProgressEvent) error {
	return p.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobProgress,
		Payload: event,
	})
}

func (p *HubPublisher) Close() error { return nil }
