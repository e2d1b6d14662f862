package models

import (
	"encoding/json"
	"time"
)

// EventKind classifies a progress event. Only success and error move counters.
type EventKind string

const (
	EventKindLog     EventKind = "log"
	EventKindInfo    EventKind = "info"
	EventKindSuccess EventKind = "success"
	EventKindError   EventKind = "error"
)

// Counts reports whether an event of this kind settles a row
func (k EventKind) Counts() bool {
	return k == EventKindSuccess || k == EventKindError
}

// ProgressEvent is the unit published to observers of a job room
type ProgressEvent struct {
	PID          string    `json:"pid"`
	Row          int       `json:"row"`
	Message      string    `json:"message"`
	Kind         EventKind `json:"kind"`
	Status       JobStatus `json:"status"`
	TotalRows    int       `json:"total_rows"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
	Remaining    int       `json:"remaining"`
	ResultLink   string    `json:"result_link,omitempty"`
	Terminal     bool      `json:"terminal,omitempty"` // Closing event, never moves counters
	Time         time.Time `json:"time"`
}

// Room frame event names
const (
	FrameJoinRoom = "join_room"
	FrameLogBot   = "log_bot"
	FrameBotStop  = "bot_stop"
)

// RoomFrame is the envelope exchanged with the pub/sub room server
type RoomFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomRef is the payload of join_room and bot_stop frames
type RoomRef struct {
	Room   string `json:"room"`
	Reason string `json:"reason,omitempty"`
}

// NewRoomFrame encodes data into a frame
func NewRoomFrame(event string, data any) (RoomFrame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return RoomFrame{}, err
	}
	return RoomFrame{Event: event, Data: raw}, nil
}
