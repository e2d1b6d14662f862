package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

const writeTimeout = 10 * time.Second

// WebSocketPublisher joins the job room on a remote room server, sends log_bot frames and
// listens for bot_stop frames addressed to the room.
type WebSocketPublisher struct {
	url    string
	pid    string
	dialer *websocket.Dialer
	logger arbor.ILogger

	mu     sync.Mutex
	conn   *websocket.Conn
	onStop interfaces.StopHandler
}

// NewWebSocketPublisher creates a publisher for pid on the room server at url
func NewWebSocketPublisher(url, pid string, logger arbor.ILogger) *WebSocketPublisher {
	return &WebSocketPublisher{
		url:    url,
		pid:    pid,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// OnStop registers the handler for bot_stop frames
func (p *WebSocketPublisher) OnStop(handler interfaces.StopHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStop = handler
}

// Connect dials the room server and sends join_room
func (p *WebSocketPublisher) Connect(ctx context.Context) error {
	p.closeConn()

	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial room server: %w", err)
	}

	frame, err := models.NewRoomFrame(models.FrameJoinRoom, models.RoomRef{Room: p.pid})
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return fmt.Errorf("failed to join room %s: %w", p.pid, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	common.SafeGo(p.logger, "progressStopListener:"+p.pid, func() { p.readLoop(conn) })

	p.logger.Debug().Str("url", p.url).Str("room", p.pid).Msg("Joined progress room")
	return nil
}

// Publish sends one log_bot frame
func (p *WebSocketPublisher) Publish(ctx context.Context, event models.ProgressEvent) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	frame, err := models.NewRoomFrame(models.FrameLogBot, event)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

// Close sends a close frame and drops the connection
func (p *WebSocketPublisher) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	p.closeConn()
	return nil
}

func (p *WebSocketPublisher) closeConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *WebSocketPublisher) readLoop(conn *websocket.Conn) {
	for {
		var frame models.RoomFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug().Err(err).Msg("Progress room connection closed")
			}
			return
		}
		if frame.Event != models.FrameBotStop {
			continue
		}

		var ref models.RoomRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.Room != p.pid {
			continue
		}

		p.mu.Lock()
		handler := p.onStop
		p.mu.Unlock()
		if handler != nil {
			handler(ref.Reason)
		}
	}
}
