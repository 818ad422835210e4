// Package main is the entry point for the histoview tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/histoview/server/internal/api"
	"github.com/histoview/server/internal/cache"
	"github.com/histoview/server/internal/config"
	"github.com/histoview/server/internal/data/tiledb"
	"github.com/histoview/server/internal/framestore"
	"github.com/histoview/server/internal/render"
	"github.com/histoview/server/internal/service"
	"github.com/histoview/server/internal/session"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting histoview server on port %d (tiledb=%v)", cfg.Server.Port, tiledb.Supported())

	ctx := context.Background()

	// Chunk and tile caches are shared across all datasets
	cacheManager, err := cache.NewManager(cache.Config{
		ChunkCacheSizeMB: cfg.Cache.ChunkCacheMB,
		ChunkTTL:         time.Duration(cfg.Cache.ChunkTTLMinutes) * time.Minute,
		TileCacheEntries: cfg.Cache.TileCacheEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	tileRenderer := render.NewTileRenderer(render.Config{
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		dc := cfg.Data.Datasets[datasetID]

		ds, err := service.OpenDataset(ctx, datasetID, dc, cacheManager, cfg.PixelSource.ReadConcurrency)
		if err != nil {
			log.Fatalf("Failed to open dataset %q: %v", datasetID, err)
		}

		tileService, err := service.NewTileService(service.TileServiceConfig{
			Dataset:         ds,
			Cache:           cacheManager,
			Renderer:        tileRenderer,
			FrameInterval:   cfg.PixelSource.FrameInterval(),
			CleanupInterval: cfg.PixelSource.CleanupInterval(),
			WaitTimeout:     cfg.PixelSource.TileWaitTimeout(),
		})
		if err != nil {
			log.Fatalf("Failed to initialize tile service for dataset %q: %v", datasetID, err)
		}
		md := tileService.Metadata()
		log.Printf("  [%s] %s: %d level(s), tile size %d, dtype %s", datasetID, md.Source, len(md.Levels), md.TileSize, md.DType)

		registry.Register(datasetID, tileService)
	}

	// Session frames persist in SQLite
	store, err := framestore.NewStore(cfg.Sessions.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize frame store: %v", err)
	}
	defer store.Close()

	sessions, err := session.NewManager(session.Config{
		MaxSessions:     cfg.Sessions.MaxSessions,
		IdleTimeout:     time.Duration(cfg.Sessions.IdleMinutes) * time.Minute,
		RetentionDays:   cfg.Sessions.RetentionDays,
		CleanupInterval: time.Duration(cfg.Sessions.CleanupMinutes) * time.Minute,
	}, store, registry.SourceFactories())
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}
	log.Printf("Sessions: max=%d, idle=%dm, retention_days=%d, sqlite=%s",
		cfg.Sessions.MaxSessions, cfg.Sessions.IdleMinutes, cfg.Sessions.RetentionDays, cfg.Sessions.SQLitePath)

	sessions.Start()
	defer sessions.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Sessions:    sessions,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
