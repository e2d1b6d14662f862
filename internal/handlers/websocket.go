package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// roomClient is one websocket connection and the rooms it joined
type roomClient struct {
	conn  *websocket.Conn
	mu    sync.Mutex // serialises writes
	rooms map[string]bool
}

func (c *roomClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// RoomHub is the pub/sub room server at /ws/bot_logs. Clients join a room per pid;
// log_bot frames are relayed to the room and bot_stop frames are relayed to the room
// and raised on the event bus for jobs running in this process.
type RoomHub struct {
	logger arbor.ILogger
	events interfaces.EventService

	mu    sync.RWMutex
	rooms map[string]map[*roomClient]struct{}
}

// NewRoomHub creates the hub and subscribes it to in-process job progress
func NewRoomHub(events interfaces.EventService, logger arbor.ILogger) *RoomHub {
	h := &RoomHub{
		logger: logger,
		events: events,
		rooms:  make(map[string]map[*roomClient]struct{}),
	}
	if events != nil {
		if err := events.Subscribe(interfaces.EventJobProgress, h.handleJobProgress); err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe room hub to job progress")
		}
	}
	return h
}

// HandleWebSocket serves one room client
func (h *RoomHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	client := &roomClient{conn: conn, rooms: make(map[string]bool)}

	defer func() {
		h.leaveAll(client)
		conn.Close()
	}()

	for {
		var frame models.RoomFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		if err := h.handleFrame(r.Context(), client, frame); err != nil {
			h.logger.Debug().Err(err).Str("event", frame.Event).Msg("Room frame rejected")
		}
	}
}

func (h *RoomHub) handleFrame(ctx context.Context, client *roomClient, frame models.RoomFrame) error {
	switch frame.Event {
	case models.FrameJoinRoom:
		var ref models.RoomRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.Room == "" {
			return fmt.Errorf("invalid join_room payload")
		}
		h.join(client, ref.Room)
		return nil

	case models.FrameLogBot:
		var event models.ProgressEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil || event.PID == "" {
			return fmt.Errorf("invalid log_bot payload")
		}
		h.Broadcast(event.PID, frame, client)
		return nil

	case models.FrameBotStop:
		var ref models.RoomRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.Room == "" {
			return fmt.Errorf("invalid bot_stop payload")
		}
		h.logger.Info().Str("room", ref.Room).Str("reason", ref.Reason).Msg("bot_stop received")
		h.Broadcast(ref.Room, frame, client)
		if h.events != nil {
			return h.events.Publish(ctx, interfaces.Event{Type: interfaces.EventStopRequested, Payload: ref})
		}
		return nil
	}
	return fmt.Errorf("unknown event %q", frame.Event)
}

// handleJobProgress relays events of jobs running in this process
func (h *RoomHub) handleJobProgress(ctx context.Context, event interfaces.Event) error {
	progress, ok := event.Payload.(models.ProgressEvent)
	if !ok {
		return fmt.Errorf("unexpected progress payload %T", event.Payload)
	}
	frame, err := models.NewRoomFrame(models.FrameLogBot, progress)
	if err != nil {
		return err
	}
	h.Broadcast(progress.PID, frame, nil)
	return nil
}

// Broadcast sends a frame to every member of room except the sender
func (h *RoomHub) Broadcast(room string, frame models.RoomFrame, except *roomClient) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal room frame")
		return
	}

	h.mu.RLock()
	members := make([]*roomClient, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range members {
		if err := c.send(data); err != nil {
			h.logger.Warn().Err(err).Str("room", room).Msg("Failed to send to room client")
		}
	}
}

// RoomSize returns the number of clients in room
func (h *RoomHub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *RoomHub) join(client *roomClient, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*roomClient]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = true
	size := len(members)
	h.mu.Unlock()

	h.logger.Debug().Str("room", room).Int("members", size).Msg("Client joined room")
}

func (h *RoomHub) leaveAll(client *roomClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range client.rooms {
		members := h.rooms[room]
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}
