// Package session tracks viewer sessions. Each session owns one dynamic
// pixel source per dataset; its frame is persisted so a session evicted
// from memory, or a server restart, resumes where the viewer left off.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/histoview/server/internal/framestore"
	"github.com/histoview/server/internal/pixelsource"
)

// ErrNotFound is returned for unknown sessions.
var ErrNotFound = errors.New("session not found")

// SourceFactory builds the dynamic source of a new session. A nil frame
// asks for the dataset's default frame.
type SourceFactory func(frame *pixelsource.Frame, onEvict func([]pixelsource.TileCoord)) (*pixelsource.DynamicPixelSource, error)

// Config contains session manager configuration.
type Config struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	RetentionDays   int
	CleanupInterval time.Duration
}

// Session is one viewer's state on one dataset.
type Session struct {
	ID        string
	DatasetID string
	Source    *pixelsource.DynamicPixelSource
	CreatedAt time.Time

	lastSeen atomic.Int64
	evicted  atomic.Int64
}

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Stats is a snapshot of a session for clients.
type Stats struct {
	ID           string                  `json:"id"`
	DatasetID    string                  `json:"dataset_id"`
	Frame        pixelsource.Frame       `json:"frame"`
	HighResTiles []pixelsource.TileCoord `json:"high_res_tiles"`
	Evicted      int64                   `json:"evicted"`
	Flushes      int                     `json:"flushes"`
	Levels       int                     `json:"levels"`
	CreatedAt    time.Time               `json:"created_at"`
	LastSeen     time.Time               `json:"last_seen"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	return Stats{
		ID:           s.ID,
		DatasetID:    s.DatasetID,
		Frame:        s.Source.Frame(),
		HighResTiles: s.Source.HighResTiles(),
		Evicted:      s.evicted.Load(),
		Flushes:      s.Source.Batcher().Flushes(),
		Levels:       s.Source.Levels(),
		CreatedAt:    s.CreatedAt,
		LastSeen:     s.LastSeen(),
	}
}

// Manager manages sessions with an LRU bound and optional persistence.
type Manager struct {
	cfg       Config
	store     *framestore.Store
	factories map[string]SourceFactory
	sessions  *lru.Cache[string, *Session]

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager. store may be nil, in which case
// frames live only as long as the session stays in memory.
func NewManager(cfg Config, store *framestore.Store, factories map[string]SourceFactory) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		factories: factories,
		stopCh:    make(chan struct{}),
	}
	sessions, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(_ string, s *Session) {
		s.Source.Dispose()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}
	m.sessions = sessions
	return m, nil
}

func key(datasetID, sessionID string) string { return datasetID + "/" + sessionID }

// Start starts the cleanup goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleaner()
}

// Stop stops the cleaner and disposes every live session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.sessions.Purge()
	})
}

func (m *Manager) cleaner() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *Manager) cleanup(now time.Time) {
	idle := 0
	for _, k := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(k)
		if ok && now.Sub(s.LastSeen()) > m.cfg.IdleTimeout {
			m.sessions.Remove(k)
			idle++
		}
	}
	if idle > 0 {
		log.Printf("[sessions] released %d idle sessions", idle)
	}

	if m.store == nil {
		return
	}
	deleted, err := m.store.DeleteExpired(m.cfg.RetentionDays)
	if err != nil {
		log.Printf("[sessions] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[sessions] cleaned up %d expired frames", deleted)
	}
}

// Create starts a new session on datasetID at the default frame.
func (m *Manager) Create(datasetID string) (*Session, error) {
	s, err := m.open(datasetID, uuid.NewString(), nil)
	if err != nil {
		return nil, err
	}
	m.persist(s)
	return s, nil
}

// Get returns a live session, restoring it from the frame store when it
// was evicted from memory.
func (m *Manager) Get(datasetID, sessionID string) (*Session, error) {
	if s, ok := m.sessions.Get(key(datasetID, sessionID)); ok {
		s.Touch()
		return s, nil
	}
	if m.store == nil {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have restored it while we waited.
	if s, ok := m.sessions.Get(key(datasetID, sessionID)); ok {
		s.Touch()
		return s, nil
	}
	rec, err := m.store.LoadFrame(sessionID, datasetID)
	if errors.Is(err, framestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session frame: %w", err)
	}
	s, err := m.openLocked(datasetID, sessionID, &rec.Frame)
	if err != nil {
		return nil, err
	}
	log.Printf("[sessions] restored %s on %s", sessionID, datasetID)
	return s, nil
}

func (m *Manager) open(datasetID, sessionID string, frame *pixelsource.Frame) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(datasetID, sessionID, frame)
}

func (m *Manager) openLocked(datasetID, sessionID string, frame *pixelsource.Frame) (*Session, error) {
	factory, ok := m.factories[datasetID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown dataset %q", ErrNotFound, datasetID)
	}
	s := &Session{ID: sessionID, DatasetID: datasetID, CreatedAt: time.Now()}
	src, err := factory(frame, func(tiles []pixelsource.TileCoord) {
		s.evicted.Add(int64(len(tiles)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel source: %w", err)
	}
	s.Source = src
	s.Touch()
	m.sessions.Add(key(datasetID, sessionID), s)
	return s, nil
}

// UpdateFrame moves the session's frame and persists it.
func (m *Manager) UpdateFrame(s *Session, center, size [2]float64) pixelsource.Frame {
	s.Source.UpdateFrame(center, size)
	s.Touch()
	m.persist(s)
	return s.Source.Frame()
}

func (m *Manager) persist(s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveFrame(s.ID, s.DatasetID, s.Source.Frame()); err != nil {
		log.Printf("[sessions] failed to save frame for %s: %v", s.ID, err)
	}
}

// Close ends a session, disposing its source and forgetting its frame.
func (m *Manager) Close(datasetID, sessionID string) error {
	present := m.sessions.Remove(key(datasetID, sessionID))
	if m.store != nil {
		if _, err := m.store.LoadFrame(sessionID, datasetID); err == nil {
			present = true
		}
		if err := m.store.DeleteSession(sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	if !present {
		return ErrNotFound
	}
	return nil
}

// Len returns the number of sessions held in memory.
func (m *Manager) Len() int { return m.sessions.Len() }
