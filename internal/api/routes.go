// Package api provides HTTP handlers for the histoview tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/histoview/server/internal/pixelsource"
	"github.com/histoview/server/internal/render"
	"github.com/histoview/server/internal/service"
	"github.com/histoview/server/internal/session"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	Sessions    *session.Manager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Dtype", "X-Width", "X-Height", "X-Resolution", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/api/metadata", metadataHandler)

		// chi splits params on '.', so each extension gets its own route.
		r.Get("/tiles/{level}/{x}/{y}.png", tileHandler(service.FormatPNG))
		r.Get("/tiles/{level}/{x}/{y}.bin", tileHandler(service.FormatBin))
		r.Get("/raster/{level}.bin", rasterHandler)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", createSessionHandler(cfg.Sessions))
			r.Route("/{session}", func(r chi.Router) {
				r.Use(sessionMiddleware(cfg.Sessions))
				r.Delete("/", closeSessionHandler(cfg.Sessions))
				r.Get("/frame", getFrameHandler)
				r.Put("/frame", putFrameHandler(cfg.Sessions))
				r.Get("/stats", sessionStatsHandler)
				r.Get("/tiles/{x}/{y}.png", sessionTileHandler(service.FormatPNG))
				r.Get("/tiles/{x}/{y}.bin", sessionTileHandler(service.FormatBin))
			})
		})
	})

	return r
}

// Context keys for request-scoped values
type ctxKey string

const (
	datasetServiceKey ctxKey = "datasetService"
	sessionKey        ctxKey = "session"
)

// datasetMiddleware resolves the dataset from URL and injects the tile service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.TileService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.TileService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidLevel):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrOutOfRange), errors.Is(err, session.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrTileUnavailable):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away; nobody is listening.
	default:
		log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, svc.Metadata())
}

func tileHandler(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}
		level, err := strconv.Atoi(chi.URLParam(r, "level"))
		if err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		x, y, ok := tileCoords(w, r)
		if !ok {
			return
		}
		sel, err := parseSelection(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params, err := parseRenderParams(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tile, err := svc.GetTile(r.Context(), level, x, y, sel, format, params)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeTile(w, tile)
	}
}

func rasterHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return
	}
	sel, err := parseSelection(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pd, err := svc.GetRaster(r.Context(), level, sel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, pd)
}

func tileCoords(w http.ResponseWriter, r *http.Request) (x, y int, ok bool) {
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return 0, 0, false
	}
	y, err = strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, "invalid y", http.StatusBadRequest)
		return 0, 0, false
	}
	return x, y, true
}

func writeTile(w http.ResponseWriter, tile *service.Tile) {
	if tile.Format == service.FormatBin {
		writeRawHeaders(w, tile.Data)
	} else {
		w.Header().Set("Content-Type", "image/png")
	}
	w.Write(tile.Body)
}

func writeRaw(w http.ResponseWriter, pd *pixelsource.PixelData) {
	body, err := render.EncodeRaw(pd)
	if err != nil {
		log.Printf("[api] failed to encode raster: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeRawHeaders(w, pd)
	w.Write(body)
}

func writeRawHeaders(w http.ResponseWriter, pd *pixelsource.PixelData) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Dtype", string(pd.DType))
	w.Header().Set("X-Width", strconv.Itoa(pd.Width))
	w.Header().Set("X-Height", strconv.Itoa(pd.Height))
}

// parseSelection reads the non-spatial position from the query. Any
// parameter other than the render options names an axis label.
func parseSelection(q url.Values) (pixelsource.Selection, error) {
	m := make(map[string]int)
	for name, vals := range q {
		if renderParams[name] || len(vals) == 0 {
			continue
		}
		v, err := strconv.Atoi(vals[0])
		if err != nil {
			return pixelsource.Selection{}, fmt.Errorf("invalid index for %s: %q", name, vals[0])
		}
		m[name] = v
	}
	return pixelsource.Sparse(m), nil
}

var renderParams = map[string]bool{
	"colormap": true,
	"min":      true,
	"max":      true,
	"outline":  true,
}

func parseRenderParams(q url.Values) (service.RenderParams, error) {
	p := service.RenderParams{Colormap: q.Get("colormap")}
	if v := q.Get("min"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("invalid min: %q", v)
		}
		p.Min = f
	}
	if v := q.Get("max"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("invalid max: %q", v)
		}
		p.Max = f
	}
	if v := q.Get("outline"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("invalid outline: %q", v)
		}
		p.Outline = b
	}
	return p, nil
}
