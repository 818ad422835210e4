package service

import (
	"context"
	"fmt"
	"log"

	"github.com/histoview/server/internal/config"
	"github.com/histoview/server/internal/data/tiledb"
	"github.com/histoview/server/internal/data/zarr"
	"github.com/histoview/server/internal/pixelsource"
)

// Dataset is an opened image pyramid ready to be served.
type Dataset struct {
	ID       string
	Name     string
	Source   string
	Levels   []pixelsource.Array
	Labels   pixelsource.Labels
	TileSize int
}

// OpenDataset opens the arrays behind one configured dataset. Zarr levels
// share chunks through cache when it is non-nil.
func OpenDataset(ctx context.Context, id string, dc config.DatasetConfig, cache zarr.ChunkCache, concurrency int) (*Dataset, error) {
	ds := &Dataset{
		ID:       id,
		Name:     dc.Name,
		Source:   dc.Source(),
		TileSize: dc.TileSize,
	}
	if ds.Name == "" {
		ds.Name = id
	}

	switch ds.Source {
	case "tiledb":
		levels, err := tiledb.OpenLevels(dc.TileDBURIs)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		ds.Levels = levels
	default:
		var store zarr.Store
		var err error
		if ds.Source == "http" {
			store, err = zarr.NewHTTPStore(dc.URL, nil)
		} else {
			store, err = zarr.NewLocalStore(dc.ZarrPath)
		}
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		ms, err := zarr.OpenMultiscale(ctx, store, "", zarr.Options{
			Name:        id,
			Cache:       cache,
			Concurrency: concurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		ds.Levels = ms.Arrays()
		ds.Labels = ms.Labels
	}

	if len(dc.Labels) > 0 {
		ds.Labels = pixelsource.Labels(dc.Labels)
	}
	if ds.Labels == nil && len(ds.Levels) > 0 {
		ds.Labels = pixelsource.DefaultLabels(len(ds.Levels[0].Shape()))
	}
	if err := ds.Labels.Validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}

	log.Printf("[dataset] %s: %d level(s) from %s, labels %v", id, len(ds.Levels), ds.Source, ds.Labels)
	return ds, nil
}
