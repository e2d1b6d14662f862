package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// ErrNotConnected is returned when publishing before Connect
var ErrNotConnected = errors.New("nats connection not open")

// Client is a thin JSON wrapper over a NATS connection
type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, subject string, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, msg.Subject, msg.Data)
	})
}

// ProgressSubject carries the log_bot events of pid
func ProgressSubject(prefix, pid string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, models.FrameLogBot, pid)
}

// StopSubject carries bot_stop requests for pid
func StopSubject(prefix, pid string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, models.FrameBotStop, pid)
}

// RequestStop publishes a bot_stop for pid, reaching a job running in another process
func (c *Client) RequestStop(prefix, pid, reason string) error {
	return c.PublishJSON(StopSubject(prefix, pid), models.RoomRef{Room: pid, Reason: reason})
}

// SubscribeProgress relays every job's events to fn, used by the server to feed its rooms
func (c *Client) SubscribeProgress(prefix string, fn func(ctx context.Context, event models.ProgressEvent)) (*nats.Subscription, error) {
	return c.SubscribeJSON(prefix+"."+models.FrameLogBot+".*", func(ctx context.Context, subject string, data []byte) {
		var event models.ProgressEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return
		}
		fn(ctx, event)
	})
}

// Publisher is the progress channel of one job over NATS. Events go to
// {prefix}.log_bot.{pid}; stop requests arrive on {prefix}.bot_stop.{pid}.
type Publisher struct {
	url    string
	prefix string
	pid    string
	logger arbor.ILogger

	mu     sync.Mutex
	client *Client
	stop   *nats.Subscription
	onStop interfaces.StopHandler
}

var (
	_ interfaces.Publisher    = (*Publisher)(nil)
	_ interfaces.StopNotifier = (*Publisher)(nil)
)

// NewPublisher creates the publisher of job pid
func NewPublisher(url, prefix, pid string, logger arbor.ILogger) *Publisher {
	if prefix == "" {
		prefix = "crawjud"
	}
	return &Publisher{url: url, prefix: prefix, pid: pid, logger: logger}
}

// OnStop registers the handler of bot_stop requests. Takes effect on the next Connect.
func (p *Publisher) OnStop(handler interfaces.StopHandler) {
	p.mu.Lock()
	p.onStop = handler
	p.mu.Unlock()
}

// Connect opens the connection unless a healthy one exists and subscribes to stop requests
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.nc.IsConnected() {
		return nil
	}
	p.closeLocked()

	client, err := Connect(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	p.client = client

	if p.onStop != nil {
		handler := p.onStop
		sub, err := client.SubscribeJSON(StopSubject(p.prefix, p.pid), func(ctx context.Context, subject string, data []byte) {
			var ref models.RoomRef
			if err := json.Unmarshal(data, &ref); err != nil {
				p.logger.Warn().Err(err).Str("subject", subject).Msg("Invalid bot_stop payload")
				return
			}
			handler(ref.Reason)
		})
		if err != nil {
			p.closeLocked()
			return fmt.Errorf("failed to subscribe to stop requests: %w", err)
		}
		p.stop = sub
	}

	p.logger.Debug().Str("pid", p.pid).Str("url", p.url).Msg("NATS progress channel connected")
	return nil
}

// Publish sends one event
func (p *Publisher) Publish(ctx context.Context, event models.ProgressEvent) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.PublishJSON(ProgressSubject(p.prefix, p.pid), event)
}

// Close drains the connection, flushing pending events
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	if p.stop != nil {
		_ = p.stop.Unsubscribe()
		p.stop = nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}
