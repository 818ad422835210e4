package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/histoview/server/internal/pixelsource"
	"github.com/histoview/server/internal/session"
)

// sessionResponse is returned when a session is created.
type sessionResponse struct {
	ID       string            `json:"id"`
	Dataset  string            `json:"dataset"`
	Frame    pixelsource.Frame `json:"frame"`
	TileSize int               `json:"tile_size"`
}

type frameRequest struct {
	Center *[2]float64 `json:"center"`
	Size   *[2]float64 `json:"size"`
}

// sessionMiddleware resolves {session} within the current dataset.
func sessionMiddleware(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svc := getDatasetService(r)
			if svc == nil || sessions == nil {
				http.Error(w, "sessions unavailable", http.StatusNotFound)
				return
			}
			// DELETE does not need a live source.
			if r.Method == http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}
			s, err := sessions.Get(svc.DatasetID(), chi.URLParam(r, "session"))
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *session.Session {
	s, _ := r.Context().Value(sessionKey).(*session.Session)
	return s
}

func createSessionHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil || sessions == nil {
			http.Error(w, "sessions unavailable", http.StatusNotFound)
			return
		}
		s, err := sessions.Create(svc.DatasetID())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{
			ID:       s.ID,
			Dataset:  s.DatasetID,
			Frame:    s.Source.Frame(),
			TileSize: s.Source.TileSize(),
		})
	}
}

func closeSessionHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if err := sessions.Close(svc.DatasetID(), chi.URLParam(r, "session")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getFrameHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Source.Frame())
}

func putFrameHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req frameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid frame: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Center == nil || req.Size == nil {
			http.Error(w, "frame needs center and size", http.StatusBadRequest)
			return
		}
		if req.Size[0] < 0 || req.Size[1] < 0 {
			http.Error(w, "frame size must not be negative", http.StatusBadRequest)
			return
		}
		frame := sessions.UpdateFrame(getSession(r), *req.Center, *req.Size)
		writeJSON(w, http.StatusOK, frame)
	}
}

func sessionStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Stats())
}

func sessionTileHandler(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		s := getSession(r)
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

		tile, err := svc.GetDynamicTile(r.Context(), s.Source, x, y, sel, format, params)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resolution := "low"
		if tile.HighRes {
			resolution = "high"
		}
		w.Header().Set("X-Resolution", resolution)
		w.Header().Set("Cache-Control", "no-store")
		writeTile(w, tile)
	}
}
