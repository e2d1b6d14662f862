// -----------------------------------------------------------------------
// Cancellation Token - cooperative stop flag with a cross-process sentinel
// -----------------------------------------------------------------------

package cancel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/models"
)

// SentinelPath returns {workdir}/{pid}/{pid}.flag
func SentinelPath(workdir, pid string) string {
	return filepath.Join(workdir, pid, pid+".flag")
}

// RequestStop asks the job pid to stop from any process sharing workdir
func RequestStop(workdir, pid, reason string) error {
	if err := models.ValidatePID(pid); err != nil {
		return err
	}
	path := SentinelPath(workdir, pid)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create sentinel directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(reason), 0644); err != nil {
		return fmt.Errorf("failed to write sentinel: %w", err)
	}
	return nil
}

// Token is checked by workers before every row and every partition
type Token struct {
	sentinel  string
	logger    arbor.ILogger
	requested atomic.Bool
	mu        sync.Mutex
	reason    string
}

// New creates a token for pid watching the sentinel under workdir
func New(workdir, pid string, logger arbor.ILogger) *Token {
	return &Token{
		sentinel: SentinelPath(workdir, pid),
		logger:   logger,
	}
}

// Stop sets the in-memory flag. Returns true for the call that set it, false for repeats.
func (t *Token) Stop(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requested.Load() {
		return false
	}
	t.reason = reason
	t.requested.Store(true)
	t.logger.Info().Str("reason", reason).Msg("Stop requested")
	return true
}

// Requested reports whether the job must stop. The sentinel file is polled when the
// in-memory flag is not yet set.
func (t *Token) Requested() bool {
	if t.requested.Load() {
		return true
	}
	data, err := os.ReadFile(t.sentinel)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.Warn().Err(err).Str("path", t.sentinel).Msg("Failed to read stop sentinel")
		}
		return false
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "sentinel"
	}
	t.Stop(reason)
	return true
}

// Err returns models.ErrStopRequested once the job must stop
func (t *Token) Err() error {
	if t.Requested() {
		return models.ErrStopRequested
	}
	return nil
}

// Reason returns the reason recorded by the first stop request
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Clear removes the sentinel file
func (t *Token) Clear() error {
	if err := os.Remove(t.sentinel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove sentinel: %w", err)
	}
	return nil
}
