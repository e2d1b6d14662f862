package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/interfaces"
)

// LocalStore copies archives into a directory served over HTTP
type LocalStore struct {
	dir     string
	baseURL string
	logger  arbor.ILogger
	now     func() time.Time
}

var _ interfaces.ArtifactStore = (*LocalStore)(nil)

// NewLocalStore creates a store rooted at dir. Links are baseURL + "/" + key.
func NewLocalStore(dir, baseURL string, logger arbor.ILogger) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Dir is the directory archives are copied to
func (s *LocalStore) Dir() string {
	return s.dir
}

// Put copies localPath to {dir}/{key}. The link carries the expiry as a query parameter;
// the file server does not enforce it.
func (s *LocalStore) Put(ctx context.Context, key, localPath string, ttl time.Duration) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(key))[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	dest := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := copyFile(localPath, dest); err != nil {
		return "", fmt.Errorf("failed to store artifact %s: %w", key, err)
	}

	link := s.baseURL + "/" + (&url.URL{Path: clean}).EscapedPath()
	if ttl > 0 {
		link += "?expires=" + s.now().Add(ttl).UTC().Format(time.RFC3339)
	}
	s.logger.Debug().Str("key", clean).Str("path", dest).Msg("Artifact stored")
	return link, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
