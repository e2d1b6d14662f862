package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/models"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "crawjud.log_bot.ABC123", ProgressSubject("crawjud", "ABC123"))
	assert.Equal(t, "crawjud.bot_stop.ABC123", StopSubject("crawjud", "ABC123"))
}

func TestPublisherRequiresConnection(t *testing.T) {
	p := NewPublisher("nats://127.0.0.1:1", "", "ABC123", arbor.NewLogger())
	assert.Equal(t, "crawjud", p.prefix)

	err := p.Publish(context.Background(), models.ProgressEvent{PID: "ABC123"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestPublisherConnectFailure(t *testing.T) {
	p := NewPublisher("nats://127.0.0.1:1", "crawjud", "ABC123", arbor.NewLogger())
	p.OnStop(func(reason string) {})
	assert.Error(t, p.Connect(context.Background()))
	assert.Nil(t, p.client)
}
