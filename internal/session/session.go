package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/recmeet/recmeet/pkg/logger"
)

// timestampLayout gives session directories minute granularity; parallel
// sessions within a minute get a numeric suffix.
const timestampLayout = "2006-01-02_15-04"

// maxAttempts bounds suffix probing for one timestamp.
const maxAttempts = 99

// ErrTooManySessions indicates suffix probing was exhausted.
var ErrTooManySessions = errors.New("too many sessions in the same minute")

// Session is the set of artifacts for one pipeline run, rooted at one
// directory. The directory is never reused by a different run.
type Session struct {
	ID  string // directory base name
	Dir string
}

// Artifact paths within the session directory.

func (s *Session) MicPath() string        { return filepath.Join(s.Dir, "mic.wav") }
func (s *Session) MonitorPath() string    { return filepath.Join(s.Dir, "monitor.wav") }
func (s *Session) AudioPath() string      { return filepath.Join(s.Dir, "audio.wav") }
func (s *Session) TranscriptPath() string { return filepath.Join(s.Dir, "transcript.txt") }
func (s *Session) SummaryPath() string    { return filepath.Join(s.Dir, "summary.md") }

// Manager allocates collision-free, timestamp-named session directories.
type Manager struct {
	baseDir string
	now     func() time.Time
	logger  *logger.Logger
}

// NewManager creates a session manager rooted at baseDir.
func NewManager(log *logger.Logger, baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		now:     time.Now,
		logger:  log.Named("session"),
	}
}

// Create allocates a new session directory. Creation is exclusive: an
// existing directory is never adopted, the next suffix is probed instead.
func (m *Manager) Create() (*Session, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output base directory: %w", err)
	}

	stamp := m.now().Format(timestampLayout)
	for i := 1; i <= maxAttempts; i++ {
		id := stamp
		if i > 1 {
			id = fmt.Sprintf("%s_%d", stamp, i)
		}
		dir := filepath.Join(m.baseDir, id)

		err := os.Mkdir(dir, 0o755)
		if err == nil {
			m.logger.Info("Session directory created", logger.String("dir", dir))
			return &Session{ID: id, Dir: dir}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create session directory %s: %w", dir, err)
		}
	}
	return nil, ErrTooManySessions
}
