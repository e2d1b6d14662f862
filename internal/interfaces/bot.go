package interfaces

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/models"
)

// Driver is the browser automation session owned by a job.
// It is never shared across row workers.
type Driver interface {
	Start(ctx context.Context) error
	// Restart tears the browser down and starts a fresh one
	Restart(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	// Cookies returns the browser cookies visible to the given urls
	Cookies(ctx context.Context, urls ...string) ([]*http.Cookie, error)
	// Context is the chromedp context for bots that drive pages directly
	Context() context.Context
	Close() error
}

// Session is the authenticated per-partition context. Read-only after construction.
type Session struct {
	Partition string
	BaseURL   string
	Client    *http.Client
	Header    http.Header
}

// BotEnv is handed to a bot when it is set up
type BotEnv struct {
	Config    *models.JobConfig
	Driver    Driver
	Logger    arbor.ILogger
	OutputDir string
}

// RowContext is everything a bot may use while processing one row
type RowContext struct {
	Row     models.Row
	Session *Session // nil for non-partitioned bots
	Driver  Driver   // nil for partitioned bots, rows must use Session
	Logger  arbor.ILogger
	// Report emits a log or info event for the row. Counters are not affected.
	Report func(kind models.EventKind, message string)
}

// Bot is the site-specific part of a job
type Bot interface {
	// Setup runs after the driver starts and again after every driver restart
	Setup(ctx context.Context, env *BotEnv) error
	ProcessRow(ctx context.Context, rc *RowContext) models.RowOutcome
}

// PartitionedBot splits its rows by sub-target and authenticates once per partition
type PartitionedBot interface {
	Bot
	PartitionKey(row models.Row) (string, error)
	OpenSession(ctx context.Context, partition string, driver Driver) (*Session, error)
}
