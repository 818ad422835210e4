// Package framestore persists viewer session frames using SQLite, so a
// reopened session resumes at the region it was last looking at.
package framestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/histoview/server/internal/pixelsource"
)

// ErrNotFound is returned when no frame is stored for a session.
var ErrNotFound = errors.New("framestore: session not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Record is one stored session frame.
type Record struct {
	SessionID string            `json:"session_id"`
	DatasetID string            `json:"dataset_id"`
	Frame     pixelsource.Frame `json:"frame"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store provides persistent storage for session frames.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore opens (creating if needed) the SQLite database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_frames (
		session_id TEXT NOT NULL,
		dataset_id TEXT NOT NULL,
		center_x REAL NOT NULL,
		center_y REAL NOT NULL,
		width REAL NOT NULL,
		height REAL NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (session_id, dataset_id)
	);

	CREATE INDEX IF NOT EXISTS idx_session_frames_updated ON session_frames(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveFrame inserts or replaces the frame of a session on a dataset.
func (s *Store) SaveFrame(sessionID, datasetID string, f pixelsource.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		INSERT INTO session_frames (session_id, dataset_id, center_x, center_y, width, height, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, dataset_id) DO UPDATE SET
			center_x = excluded.center_x,
			center_y = excluded.center_y,
			width = excluded.width,
			height = excluded.height,
			updated_at = excluded.updated_at
	`,
		sessionID,
		datasetID,
		f.Center[0],
		f.Center[1],
		f.Size[0],
		f.Size[1],
		now,
		now,
	)
	return err
}

// LoadFrame returns the stored record, or ErrNotFound.
func (s *Store) LoadFrame(sessionID, datasetID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT session_id, dataset_id, center_x, center_y, width, height, created_at, updated_at
		FROM session_frames WHERE session_id = ? AND dataset_id = ?
	`, sessionID, datasetID)

	var rec Record
	var createdAt, updatedAt string
	err := row.Scan(
		&rec.SessionID,
		&rec.DatasetID,
		&rec.Frame.Center[0],
		&rec.Frame.Center[1],
		&rec.Frame.Size[0],
		&rec.Frame.Size[1],
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &rec, nil
}

// DeleteSession removes every frame stored for a session.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM session_frames WHERE session_id = ?", sessionID)
	return err
}

// DeleteExpired removes frames not updated in retentionDays days.
func (s *Store) DeleteExpired(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)
	result, err := s.db.Exec("DELETE FROM session_frames WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
