package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by stores for missing keys. Missing chunks are
// not an error for readers: they hold the fill value.
var ErrNotFound = errors.New("zarr: key not found")

// Store is a key/value view of a Zarr hierarchy. Keys use "/" separators.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

func joinKey(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// LocalStore reads a hierarchy from the filesystem.
type LocalStore struct {
	base string
}

// NewLocalStore opens the directory base.
func NewLocalStore(base string) (*LocalStore, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("zarr store %s: %w", base, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("zarr store %s: not a directory", base)
	}
	return &LocalStore{base: abs}, nil
}

func (s *LocalStore) String() string { return s.base }

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.base, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// HTTPStore reads a hierarchy served over HTTP by any static file server.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPStore returns a store rooted at rawURL. A nil client gets a
// default with a 30s timeout.
func NewHTTPStore(rawURL string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("zarr store %s: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("zarr store %s: unsupported scheme %q", rawURL, u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{base: u, client: client}, nil
}

func (s *HTTPStore) String() string { return s.base.String() }

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	u := *s.base
	u.Path = path.Join(u.Path, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		// Object stores answer 403 for missing keys without list permission.
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("zarr: GET %s: %s", u.String(), resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// MemoryStore holds a hierarchy in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return d, nil
}

// Put stores val under key.
func (s *MemoryStore) Put(key string, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = val
}
