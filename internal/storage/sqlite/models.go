package sqlite

import "time"

// Run statuses recorded in the session history.
const (
	StatusRecording = "recording"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SessionRecord is one pipeline run in the history database.
type SessionRecord struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	SessionID   string    `json:"session_id"` // directory base name
	Directory   string    `json:"directory"`
	Mode        string    `json:"mode"` // "dual" or "mic-only"
	DurationSec float64   `json:"duration_sec,omitempty"`
	Transcript  string    `json:"transcript_path,omitempty"`
	Summary     string    `json:"summary_path,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
