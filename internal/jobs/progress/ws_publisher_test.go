package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/models"
)

// roomServer records frames sent by the publisher and, after join_room, sends
// a bot_stop for another room followed by one for the joined room
func roomServer(t *testing.T, frames chan<- models.RoomFrame) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join models.RoomFrame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		frames <- join

		var ref models.RoomRef
		_ = json.Unmarshal(join.Data, &ref)
		for _, room := range []string{"OTHER", ref.Room} {
			stop, _ := models.NewRoomFrame(models.FrameBotStop, models.RoomRef{Room: room, Reason: "stop " + room})
			if err := conn.WriteJSON(stop); err != nil {
				return
			}
		}

		for {
			var frame models.RoomFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	}))
}

func TestWebSocketPublisherJoinsPublishesAndStops(t *testing.T) {
	frames := make(chan models.RoomFrame, 8)
	srv := roomServer(t, frames)
	defer srv.Close()

	p := NewWebSocketPublisher("ws"+strings.TrimPrefix(srv.URL, "http"), "JOB1", arbor.NewLogger())
	stops := make(chan string, 2)
	p.OnStop(func(reason string) { stops <- reason })

	require.NoError(t, p.Connect(context.Background()))
	defer p.Close()

	select {
	case join := <-frames:
		assert.Equal(t, models.FrameJoinRoom, join.Event)
		var ref models.RoomRef
		require.NoError(t, json.Unmarshal(join.Data, &ref))
		assert.Equal(t, "JOB1", ref.Room)
	case <-time.After(2 * time.Second):
		t.Fatal("join_room not received")
	}

	select {
	case reason := <-stops:
		assert.Equal(t, "stop JOB1", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("bot_stop not delivered")
	}
	assert.Empty(t, stops)

	require.NoError(t, p.Publish(context.Background(), models.ProgressEvent{PID: "JOB1", Row: 3, Message: "ok"}))
	select {
	case frame := <-frames:
		assert.Equal(t, models.FrameLogBot, frame.Event)
		var event models.ProgressEvent
		require.NoError(t, json.Unmarshal(frame.Data, &event))
		assert.Equal(t, 3, event.Row)
		assert.Equal(t, "ok", event.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("log_bot not received")
	}
}

func TestWebSocketPublisherPublishWithoutConnection(t *testing.T) {
	p := NewWebSocketPublisher("ws://127.0.0.1:1", "JOB1", arbor.NewLogger())
	assert.Error(t, p.Publish(context.Background(), models.ProgressEvent{PID: "JOB1"}))
	assert.NoError(t, p.Close())
}
