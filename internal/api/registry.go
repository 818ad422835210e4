package api

import (
	"github.com/histoview/server/internal/service"
	"github.com/histoview/server/internal/session"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
	Levels int    `json:"levels"`
}

// DatasetRegistry holds tile services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.TileService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.TileService),
		defaultDataset: defaultDataset,
		title:          title,
	}
}

// Register adds a tile service for a dataset. Registration order is the
// order datasets are listed in.
func (r *DatasetRegistry) Register(datasetID string, svc *service.TileService) {
	if _, ok := r.services[datasetID]; !ok {
		r.datasetOrder = append(r.datasetOrder, datasetID)
	}
	r.services[datasetID] = svc
	if r.defaultDataset == "" {
		r.defaultDataset = datasetID
	}
}

// Get returns the tile service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.TileService {
	return r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in registration order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "histoview"
}

// SourceFactories returns one session source factory per dataset.
func (r *DatasetRegistry) SourceFactories() map[string]session.SourceFactory {
	out := make(map[string]session.SourceFactory, len(r.services))
	for id, svc := range r.services {
		out[id] = svc.NewDynamicSource
	}
	return out
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		md := r.services[id].Metadata()
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   md.Name,
			Source: md.Source,
			Levels: len(md.Levels),
		})
	}
	return infos
}
