package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

func TestNewLoggerSubscriberAcceptsPayloads(t *testing.T) {
	subscriber := NewLoggerSubscriber(arbor.NewLogger())
	ctx := context.Background()

	for _, event := range []interfaces.Event{
		{Type: interfaces.EventTaskStateChanged, Payload: models.TaskState{PID: "A", Status: models.TaskStatusRunning}},
		{Type: interfaces.EventTaskStateChanged, Payload: (*models.TaskState)(nil)},
		{Type: interfaces.EventStopRequested, Payload: models.RoomRef{Room: "A", Reason: "operator"}},
		{Type: interfaces.EventJobProgress, Payload: models.ProgressEvent{PID: "A", Kind: models.EventKindInfo}},
		{Type: "other", Payload: nil},
	} {
		assert.NoError(t, subscriber(ctx, event))
	}
}

func TestSubscribeLoggerToAllEvents(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	require.NoError(t, SubscribeLoggerToAllEvents(svc, arbor.NewLogger()))
	assert.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventStopRequested,
		Payload: models.RoomRef{Room: "JOB1"},
	}))
}

func TestPublishSyncRunsEveryHandler(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	var calls atomic.Int32
	boom := errors.New("boom")

	require.NoError(t, svc.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, e interfaces.Event) error {
		calls.Add(1)
		return boom
	}))
	require.NoError(t, svc.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, e interfaces.Event) error {
		calls.Add(1)
		return nil
	}))
	assert.Error(t, svc.Subscribe(interfaces.EventJobProgress, nil))

	err := svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobProgress})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())

	done := make(chan struct{})
	require.NoError(t, svc.Subscribe(interfaces.EventStopRequested, func(ctx context.Context, e interfaces.Event) error {
		close(done)
		return nil
	}))
	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventStopRequested}))
	<-done

	require.NoError(t, svc.Close())
	require.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobProgress}))
	assert.Equal(t, int32(2), calls.Load(), "closed service has no subscribers")
}
