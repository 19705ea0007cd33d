package pipeline

import "time"

// Phase is the pipeline state. One session is active per run; a new run is
// refused while the pipeline is not Idle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRecording    Phase = "recording"
	PhaseValidating   Phase = "validating"
	PhaseMixing       Phase = "mixing"
	PhaseTranscribing Phase = "transcribing"
	PhaseSummarizing  Phase = "summarizing"
	PhaseError        Phase = "error"
)

// Event is delivered to phase subscribers at each transition. The pipeline
// never touches presentation state directly; front ends drain events on
// their own schedule.
type Event struct {
	Phase Phase     `json:"phase"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`
}

// PhaseCallback receives phase transitions. Callbacks run on the pipeline
// goroutine and must not block.
type PhaseCallback func(Event)
