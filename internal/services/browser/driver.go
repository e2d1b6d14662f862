// -----------------------------------------------------------------------
// Browser Driver - chromedp session owned by one job
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
)

// ErrNotStarted is returned by operations on a driver that is not running
var ErrNotStarted = errors.New("browser not started")

// Driver runs one Chrome instance with a per-job user-data directory
type Driver struct {
	config         common.BrowserConfig
	userDataDir    string
	startupTimeout time.Duration
	logger         arbor.ILogger

	mu              sync.Mutex
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

var _ interfaces.Driver = (*Driver)(nil)

// NewDriver creates the driver of job pid. Chrome data lives in {workdir}/chrome-data/{pid}.
func NewDriver(config common.BrowserConfig, workDir, pid string, logger arbor.ILogger) *Driver {
	return &Driver{
		config:         config,
		userDataDir:    filepath.Join(workDir, "chrome-data", pid),
		startupTimeout: common.ParseDuration(config.StartupTimeout, 30*time.Second),
		logger:         logger,
	}
}

// UserDataDir is the Chrome profile directory of this job
func (d *Driver) UserDataDir() string {
	return d.userDataDir
}

// Start launches Chrome and checks it can load about:blank
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx != nil {
		return fmt.Errorf("browser already started")
	}
	return d.start()
}

func (d *Driver) start() error {
	start := time.Now()
	if err := os.MkdirAll(d.userDataDir, 0755); err != nil {
		return fmt.Errorf("failed to create chrome data directory: %w", err)
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, d.startupTimeout)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser failed startup test: %w", err)
	}

	d.browserCtx = browserCtx
	d.browserCancel = browserCancel
	d.allocatorCancel = allocatorCancel

	d.logger.Debug().
		Str("user_data_dir", d.userDataDir).
		Dur("startup_time", time.Since(start)).
		Msg("Browser started")
	return nil
}

func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.config.Headless),
		chromedp.Flag("disable-gpu", d.config.DisableGPU),
		chromedp.Flag("no-sandbox", d.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserDataDir(d.userDataDir),
	)
	if d.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.config.UserAgent))
	}
	if d.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.config.ExecPath))
	}
	return opts
}

// Restart tears Chrome down and starts it again with the same profile
func (d *Driver) Restart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
	d.logger.Info().Str("user_data_dir", d.userDataDir).Msg("Restarting browser")
	return d.start()
}

// Navigate loads url in the job tab
func (d *Driver) Navigate(ctx context.Context, url string) error {
	browserCtx, err := d.current()
	if err != nil {
		return err
	}
	runCtx, cancel := mergeDeadline(browserCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Cookies returns the cookies the browser would send to urls
func (d *Driver) Cookies(ctx context.Context, urls ...string) ([]*http.Cookie, error) {
	browserCtx, err := d.current()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := mergeDeadline(browserCtx, ctx)
	defer cancel()

	var cookies []*network.Cookie
	if err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		get := network.GetCookies()
		if len(urls) > 0 {
			get = get.WithURLs(urls)
		}
		var err error
		cookies, err = get.Do(ctx)
		return err
	})); err != nil {
		return nil, fmt.Errorf("failed to read browser cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

// Context is the chromedp context of the job tab, for bots that drive pages directly
func (d *Driver) Context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx == nil {
		return context.Background()
	}
	return d.browserCtx
}

// Close stops Chrome. The user-data directory is left for the janitor.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
	return nil
}

func (d *Driver) stop() {
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocatorCancel != nil {
		d.allocatorCancel()
	}
	d.browserCtx, d.browserCancel, d.allocatorCancel = nil, nil, nil
}

func (d *Driver) current() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx == nil {
		return nil, ErrNotStarted
	}
	return d.browserCtx, nil
}

// mergeDeadline derives from the browser context, honouring the caller's deadline and
// cancellation
func mergeDeadline(browserCtx, ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(browserCtx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithDeadline(runCtx, deadline)
		prev := cancel
		cancel = func() { cancelTimeout(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() { stop(); cancel() }
}

func toHTTPCookies(cookies []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		// session cookies carry a non-positive expiry
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		out = append(out, hc)
	}
	return out
}
