// Package cache provides caching for decoded chunks and rendered tiles.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ChunkCacheSizeMB int
	ChunkTTL         time.Duration
	TileCacheEntries int
}

// Manager manages the chunk and tile caches.
type Manager struct {
	chunkCache *bigcache.BigCache
	tileCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = 10 * time.Minute
	}
	if cfg.ChunkCacheSizeMB <= 0 {
		cfg.ChunkCacheSizeMB = 512
	}
	if cfg.TileCacheEntries <= 0 {
		cfg.TileCacheEntries = 4096
	}

	chunkCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ChunkTTL,
		CleanWindow:        cfg.ChunkTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64 * 1024, // initial sizing only; shards grow up to the hard limit
		HardMaxCacheSize:   cfg.ChunkCacheSizeMB,
		Verbose:            false,
	}

	chunkCache, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	tileCache, err := lru.New[string, []byte](cfg.TileCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	return &Manager{
		chunkCache: chunkCache,
		tileCache:  tileCache,
	}, nil
}

// GetChunk retrieves decoded chunk bytes.
func (m *Manager) GetChunk(key string) ([]byte, bool) {
	data, err := m.chunkCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetChunk stores decoded chunk bytes.
func (m *Manager) SetChunk(key string, data []byte) error {
	return m.chunkCache.Set(key, data)
}

// GetTile retrieves an encoded tile.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	return m.tileCache.Get(key)
}

// SetTile stores an encoded tile.
func (m *Manager) SetTile(key string, data []byte) {
	m.tileCache.Add(key, data)
}

// ChunkKey generates a cache key for one chunk of an array.
func ChunkKey(array string, coords []int) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	return "chunk:" + array + ":" + strings.Join(parts, ".")
}

// TileKey generates a cache key for a rendered tile. params holds the
// selection and render settings; its order does not matter.
func TileKey(dataset string, level, x, y int, format string, params map[string]string) string {
	base := fmt.Sprintf("tile:%s:%d/%d/%d.%s", dataset, level, x, y, format)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, params[k])
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.chunkCache.Stats()
	return map[string]interface{}{
		"chunk_cache_len":    m.chunkCache.Len(),
		"chunk_cache_cap":    m.chunkCache.Capacity(),
		"chunk_cache_hits":   s.Hits,
		"chunk_cache_misses": s.Misses,
		"tile_cache_len":     m.tileCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.chunkCache.Close()
}
