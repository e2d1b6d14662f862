package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs bus traffic. Task transitions and
// stop requests are logged at info, progress at debug.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		switch p := event.Payload.(type) {
		case models.TaskState:
			logger.Info().
				Str("event_type", string(event.Type)).
				Str("pid", p.PID).
				Str("status", string(p.Status)).
				Str("message", p.Message).
				Msg("Task state changed")
		case *models.TaskState:
			if p != nil {
				logger.Info().
					Str("event_type", string(event.Type)).
					Str("pid", p.PID).
					Str("status", string(p.Status)).
					Msg("Task state changed")
			}
		case models.RoomRef:
			logger.Info().
				Str("event_type", string(event.Type)).
				Str("pid", p.Room).
				Str("reason", p.Reason).
				Msg("Stop requested")
		case models.ProgressEvent:
			logger.Debug().
				Str("event_type", string(event.Type)).
				Str("pid", p.PID).
				Int("row", p.Row).
				Str("kind", string(p.Kind)).
				Int("remaining", p.Remaining).
				Msg(p.Message)
		default:
			logger.Debug().Str("event_type", string(event.Type)).Msg("Event published")
		}
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventJobProgress,
		interfaces.EventStopRequested,
		interfaces.EventTaskStateChanged,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")
	return nil
}
