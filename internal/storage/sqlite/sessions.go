package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recmeet/recmeet/pkg/logger"
)

// Open opens (creating if needed) the history database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return db, nil
}

// SessionStorage handles storage of pipeline run history
type SessionStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSessionStorage creates a new SQLite session storage
func NewSessionStorage(db *sql.DB, log *logger.Logger) (*SessionStorage, error) {
	storage := &SessionStorage{
		db:     db,
		logger: log.Named("sqlite-sessions"),
	}
	if err := storage.initDB(); err != nil {
		return nil, err
	}
	return storage, nil
}

// initDB initializes the database tables
func (s *SessionStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			directory TEXT NOT NULL,
			mode TEXT NOT NULL,
			duration_sec REAL NOT NULL DEFAULT 0,
			transcript_path TEXT NOT NULL DEFAULT '',
			summary_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_run_id ON sessions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create session index: %w", err)
		}
	}
	return nil
}

// StoreSession records a run at session creation, status "recording".
func (s *SessionStorage) StoreSession(record *SessionRecord) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO sessions
		(run_id, session_id, directory, mode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.RunID,
		record.SessionID,
		record.Directory,
		record.Mode,
		record.Status,
		record.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// FinalizeSession updates a run's terminal status and artifacts.
func (s *SessionStorage) FinalizeSession(runID, status string, durationSec float64, transcriptPath, summaryPath, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE sessions
		SET status = ?, duration_sec = ?, transcript_path = ?, summary_path = ?, error = ?, completed_at = ?
		WHERE run_id = ?`,
		status,
		durationSec,
		transcriptPath,
		summaryPath,
		errMsg,
		time.Now().Format(time.RFC3339),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	return nil
}

// GetRecentSessions returns the most recent runs, newest first.
func (s *SessionStorage) GetRecentSessions(limit int) ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, session_id, directory, mode, duration_sec,
			transcript_path, summary_path, status, error, created_at,
			COALESCE(completed_at, '')
		FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetSessionByRunID returns one run, or nil when unknown.
func (s *SessionStorage) GetSessionByRunID(runID string) (*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, session_id, directory, mode, duration_sec,
			transcript_path, summary_path, status, error, created_at,
			COALESCE(completed_at, '')
		FROM sessions WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSession(rows)
}

func scanSession(rows *sql.Rows) (*SessionRecord, error) {
	var record SessionRecord
	var createdAt, completedAt string
	if err := rows.Scan(
		&record.ID,
		&record.RunID,
		&record.SessionID,
		&record.Directory,
		&record.Mode,
		&record.DurationSec,
		&record.Transcript,
		&record.Summary,
		&record.Status,
		&record.Error,
		&createdAt,
		&completedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	record.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if completedAt != "" {
		record.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
	}
	return &record, nil
}
