// Package config handles configuration loading for the histoview server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Data        DataConfig        `yaml:"data"`
	Cache       CacheConfig       `yaml:"cache"`
	PixelSource PixelSourceConfig `yaml:"pixelsource"`
	Render      RenderConfig      `yaml:"render"`
	Sessions    SessionsConfig    `yaml:"sessions"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one image. Exactly one of ZarrPath, URL or
// TileDBURIs is expected.
type DatasetConfig struct {
	Name       string   `yaml:"name"`
	ZarrPath   string   `yaml:"zarr_path"`
	URL        string   `yaml:"url"`
	TileDBURIs []string `yaml:"tiledb_uris"`
	Labels     []string `yaml:"labels"`
	TileSize   int      `yaml:"tile_size"`
}

// Source reports which backend the dataset uses.
func (d DatasetConfig) Source() string {
	switch {
	case len(d.TileDBURIs) > 0:
		return "tiledb"
	case d.URL != "":
		return "http"
	default:
		return "local"
	}
}

// DataConfig holds the configured datasets in file order. The data section
// is either a map of dataset id to DatasetConfig, or the legacy form with
// a single top-level zarr_path, which becomes the "default" dataset.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// DatasetIDs returns dataset ids in the order they were declared.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML keeps the declaration order of the datasets map.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got line %d", node.Line)
	}

	var legacy DatasetConfig
	isLegacy := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i+1].Kind != yaml.MappingNode {
			isLegacy = true
			break
		}
	}
	if isLegacy {
		if err := node.Decode(&legacy); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		d.Datasets = map[string]DatasetConfig{"default": legacy}
		d.order = []string{"default"}
		return nil
	}

	d.Datasets = make(map[string]DatasetConfig, len(node.Content)/2)
	d.order = d.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		if _, dup := d.Datasets[id]; dup {
			return fmt.Errorf("data: duplicate dataset %q", id)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ChunkCacheMB     int `yaml:"chunk_cache_mb"`
	ChunkTTLMinutes  int `yaml:"chunk_ttl_minutes"`
	TileCacheEntries int `yaml:"tile_cache_entries"`
}

// PixelSourceConfig tunes request batching and resolution switching.
type PixelSourceConfig struct {
	FrameIntervalMS   int `yaml:"frame_interval_ms"`
	CleanupIntervalMS int `yaml:"cleanup_interval_ms"`
	TileWaitTimeoutMS int `yaml:"tile_wait_timeout_ms"`
	ReadConcurrency   int `yaml:"read_concurrency"`
}

func (p PixelSourceConfig) FrameInterval() time.Duration {
	return time.Duration(p.FrameIntervalMS) * time.Millisecond
}

func (p PixelSourceConfig) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalMS) * time.Millisecond
}

func (p PixelSourceConfig) TileWaitTimeout() time.Duration {
	return time.Duration(p.TileWaitTimeoutMS) * time.Millisecond
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap string `yaml:"default_colormap"`
}

// SessionsConfig controls viewer sessions and frame persistence.
type SessionsConfig struct {
	MaxSessions    int    `yaml:"max_sessions"`
	SQLitePath     string `yaml:"sqlite_path"`
	RetentionDays  int    `yaml:"retention_days"`
	CleanupMinutes int    `yaml:"cleanup_minutes"`
	IdleMinutes    int    `yaml:"idle_minutes"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "histoview",
		},
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"default": {ZarrPath: "./data/image.ome.zarr"},
			},
			DefaultDataset: "default",
			order:          []string{"default"},
		},
		Cache: CacheConfig{
			ChunkCacheMB:     512,
			ChunkTTLMinutes:  10,
			TileCacheEntries: 4096,
		},
		PixelSource: PixelSourceConfig{
			FrameIntervalMS:   16,
			CleanupIntervalMS: 2000,
			TileWaitTimeoutMS: 5000,
			ReadConcurrency:   8,
		},
		Render: RenderConfig{
			DefaultColormap: "viridis",
		},
		Sessions: SessionsConfig{
			MaxSessions:    256,
			SQLitePath:     "./data/sessions.sqlite",
			RetentionDays:  30,
			CleanupMinutes: 10,
			IdleMinutes:    30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Data.DefaultDataset == "" && len(cfg.Data.order) > 0 {
		cfg.Data.DefaultDataset = cfg.Data.order[0]
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.Name == "" {
			ds.Name = id
			cfg.Data.Datasets[id] = ds
		}
	}
	if cfg.Cache.ChunkCacheMB == 0 {
		cfg.Cache.ChunkCacheMB = defaults.Cache.ChunkCacheMB
	}
	if cfg.Cache.ChunkTTLMinutes == 0 {
		cfg.Cache.ChunkTTLMinutes = defaults.Cache.ChunkTTLMinutes
	}
	if cfg.Cache.TileCacheEntries == 0 {
		cfg.Cache.TileCacheEntries = defaults.Cache.TileCacheEntries
	}
	if cfg.PixelSource.FrameIntervalMS == 0 {
		cfg.PixelSource.FrameIntervalMS = defaults.PixelSource.FrameIntervalMS
	}
	if cfg.PixelSource.CleanupIntervalMS == 0 {
		cfg.PixelSource.CleanupIntervalMS = defaults.PixelSource.CleanupIntervalMS
	}
	if cfg.PixelSource.TileWaitTimeoutMS == 0 {
		cfg.PixelSource.TileWaitTimeoutMS = defaults.PixelSource.TileWaitTimeoutMS
	}
	if cfg.PixelSource.ReadConcurrency == 0 {
		cfg.PixelSource.ReadConcurrency = defaults.PixelSource.ReadConcurrency
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
	if cfg.Sessions.SQLitePath == "" {
		cfg.Sessions.SQLitePath = defaults.Sessions.SQLitePath
	}
	if cfg.Sessions.RetentionDays == 0 {
		cfg.Sessions.RetentionDays = defaults.Sessions.RetentionDays
	}
	if cfg.Sessions.CleanupMinutes == 0 {
		cfg.Sessions.CleanupMinutes = defaults.Sessions.CleanupMinutes
	}
	if cfg.Sessions.IdleMinutes == 0 {
		cfg.Sessions.IdleMinutes = defaults.Sessions.IdleMinutes
	}
}

func (cfg *Config) validate() error {
	for _, id := range cfg.Data.DatasetIDs() {
		ds := cfg.Data.Datasets[id]
		n := 0
		if ds.ZarrPath != "" {
			n++
		}
		if ds.URL != "" {
			n++
		}
		if len(ds.TileDBURIs) > 0 {
			n++
		}
		if n != 1 {
			return fmt.Errorf("dataset %q: exactly one of zarr_path, url or tiledb_uris is required", id)
		}
		if ds.TileSize < 0 {
			return fmt.Errorf("dataset %q: tile_size must not be negative", id)
		}
	}
	if cfg.PixelSource.FrameIntervalMS < 0 || cfg.PixelSource.CleanupIntervalMS < 0 || cfg.PixelSource.TileWaitTimeoutMS < 0 {
		return fmt.Errorf("pixelsource intervals must not be negative")
	}
	return nil
}
