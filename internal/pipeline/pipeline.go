package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recmeet/recmeet/internal/audio"
	"github.com/recmeet/recmeet/internal/capture"
	"github.com/recmeet/recmeet/internal/config"
	"github.com/recmeet/recmeet/internal/notify"
	"github.com/recmeet/recmeet/internal/session"
	"github.com/recmeet/recmeet/internal/sources"
	"github.com/recmeet/recmeet/internal/storage/sqlite"
	"github.com/recmeet/recmeet/internal/summarize"
	"github.com/recmeet/recmeet/internal/transcription"
	"github.com/recmeet/recmeet/pkg/logger"
)

// ErrBusy is returned when a run is requested while another is active.
var ErrBusy = errors.New("a recording is already in progress")

// Run modes recorded on results and in history.
const (
	ModeDual    = "dual"
	ModeMicOnly = "mic-only"
)

// Result is the outcome of one pipeline run.
type Result struct {
	RunID          string  `json:"run_id"`
	SessionID      string  `json:"session_id"`
	SessionDir     string  `json:"session_dir"`
	Mode           string  `json:"mode"`
	Mixed          bool    `json:"mixed"`
	DurationSec    float64 `json:"duration_sec"`
	AudioPath      string  `json:"audio_path"`
	TranscriptPath string  `json:"transcript_path,omitempty"`
	SummaryPath    string  `json:"summary_path,omitempty"`
	Err            error   `json:"-"`
	ErrMessage     string  `json:"error,omitempty"`
}

// Narrow views of the collaborators, so tests can substitute each one.

type endpointResolver interface {
	Resolve(ctx context.Context, spec sources.ResolveSpec) (sources.Resolved, error)
}

type validator interface {
	Validate(ctx context.Context, path, label string) (audio.Outcome, error)
}

type mixer interface {
	Mix(ctx context.Context, micPath, monitorPath, outputPath string) (bool, error)
}

// history is the slice of the sqlite storage the pipeline writes to.
type history interface {
	StoreSession(record *sqlite.SessionRecord) (int64, error)
	FinalizeSession(runID, status string, durationSec float64, transcriptPath, summaryPath, errMsg string) error
}

// Deps wires the pipeline's collaborators. Summarizer may be nil only
// when summaries are disabled; History and Notifier may be nil.
type Deps struct {
	Catalog     endpointResolver
	Validator   validator
	Mixer       mixer
	Transcriber transcription.Transcriber
	Summarizer  summarize.Summarizer
	Notifier    notify.Notifier
	History     history
	Logger      *logger.Logger
}

// Pipeline sequences source resolution, capture, validation, mixing, and
// the transcription/summarization hand-off. One run at a time.
type Pipeline struct {
	catalog     endpointResolver
	validator   validator
	mixer       mixer
	transcriber transcription.Transcriber
	summarizer  summarize.Summarizer
	notifier    notify.Notifier
	history     history
	logger      *logger.Logger

	// newRecorder is swappable in tests to avoid real capture binaries.
	newRecorder func(log *logger.Logger, endpoint sources.Endpoint, outputPath string) (capture.Session, error)

	mu sync.Mutex
	// active claims the single run slot. It is distinct from phase: a run
	// is active from begin() on, before the first Recording transition.
	active    bool
	phase     Phase
	stopCh    chan struct{}
	stopOnce  *sync.Once
	result    *Result
	callbacks []PhaseCallback
	runDone   chan struct{}
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	n := deps.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Pipeline{
		catalog:     deps.Catalog,
		validator:   deps.Validator,
		mixer:       deps.Mixer,
		transcriber: deps.Transcriber,
		summarizer:  deps.Summarizer,
		notifier:    n,
		history:     deps.History,
		logger:      deps.Logger.Named("pipeline"),
		newRecorder: func(log *logger.Logger, endpoint sources.Endpoint, outputPath string) (capture.Session, error) {
			return capture.NewRecorder(log, endpoint, outputPath)
		},
		phase: PhaseIdle,
	}
}

// Phase returns the current pipeline phase.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// OnPhaseChange registers a transition callback.
func (p *Pipeline) OnPhaseChange(cb PhaseCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Result returns the outcome of the most recent run, nil before the first.
func (p *Pipeline) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// RequestStop raises the cooperative stop flag. Honored while Recording;
// later phases run to completion. Safe from any goroutine, idempotent.
func (p *Pipeline) RequestStop() {
	p.mu.Lock()
	stopCh, once := p.stopCh, p.stopOnce
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	once.Do(func() { close(stopCh) })
}

// StartAsync begins a run on a background goroutine and returns its run ID
// immediately. ErrBusy when not Idle.
func (p *Pipeline) StartAsync(cfg config.Config) (string, error) {
	runID, err := p.begin()
	if err != nil {
		return "", err
	}
	go p.execute(runID, cfg)
	return runID, nil
}

// Run executes a full pipeline run, blocking until it completes. The
// returned result is also retained for Result().
func (p *Pipeline) Run(cfg config.Config) (*Result, error) {
	runID, err := p.begin()
	if err != nil {
		return nil, err
	}
	p.execute(runID, cfg)
	return p.Result(), nil
}

// Wait blocks until the in-flight run (if any) finishes.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	done := p.runDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// begin claims the run slot and allocates per-run stop state. The claim is
// made here, under the lock, not at the first phase transition: two
// back-to-back starts must never both pass the guard.
func (p *Pipeline) begin() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return "", fmt.Errorf("%w (phase: %s)", ErrBusy, p.phase)
	}
	p.active = true
	p.stopCh = make(chan struct{})
	p.stopOnce = &sync.Once{}
	p.runDone = make(chan struct{})
	runID := uuid.New().String()
	return runID, nil
}

func (p *Pipeline) setPhase(runID string, phase Phase) {
	p.mu.Lock()
	p.phase = phase
	cbs := make([]PhaseCallback, len(p.callbacks))
	copy(cbs, p.callbacks)
	p.mu.Unlock()

	ev := Event{Phase: phase, RunID: runID, Time: time.Now()}
	for _, cb := range cbs {
		cb(ev)
	}
}

// execute runs the full sequence and always leaves the pipeline Idle.
func (p *Pipeline) execute(runID string, cfg config.Config) {
	res, err := p.runPipeline(runID, cfg)
	if err != nil {
		p.logger.Error("Pipeline run failed", logger.Error(err))
		p.setPhase(runID, PhaseError)
		p.notifier.Notify("Recording failed", err.Error())
		if res == nil {
			res = &Result{RunID: runID}
		}
		res.Err = err
		res.ErrMessage = err.Error()
		p.finalizeHistory(runID, sqlite.StatusFailed, res)
	} else {
		p.notifier.Notify("Meeting complete", res.SessionDir)
		p.finalizeHistory(runID, sqlite.StatusCompleted, res)
	}

	p.mu.Lock()
	p.result = res
	p.phase = PhaseIdle
	p.active = false
	p.stopCh = nil
	p.stopOnce = nil
	done := p.runDone
	p.runDone = nil
	cbs := make([]PhaseCallback, len(p.callbacks))
	copy(cbs, p.callbacks)
	p.mu.Unlock()

	ev := Event{Phase: PhaseIdle, RunID: runID, Time: time.Now()}
	for _, cb := range cbs {
		cb(ev)
	}
	close(done)
}

func (p *Pipeline) finalizeHistory(runID, status string, res *Result) {
	if p.history == nil || res.SessionID == "" {
		return
	}
	err := p.history.FinalizeSession(runID, status, res.DurationSec,
		res.TranscriptPath, res.SummaryPath, res.ErrMessage)
	if err != nil {
		p.logger.Warn("Failed to finalize session history", logger.Error(err))
	}
}

// runPipeline is the happy-path sequence; any returned error has already
// been classified (recoverable paths do not surface here).
func (p *Pipeline) runPipeline(runID string, cfg config.Config) (*Result, error) {
	ctx := context.Background()
	res := &Result{RunID: runID}

	// Summaries require a key before anything is recorded.
	if !cfg.NoSummary && p.summarizer == nil {
		return res, summarize.ErrNoAPIKey
	}

	resolved, err := p.catalog.Resolve(ctx, sources.ResolveSpec{
		MicSource:     cfg.MicSource,
		MonitorSource: cfg.MonitorSource,
		MicOnly:       cfg.MicOnly,
		Pattern:       cfg.DevicePattern,
	})
	if err != nil {
		return res, err
	}
	dualMode := resolved.Monitor != nil

	sess, err := session.NewManager(p.logger, cfg.OutputDir).Create()
	if err != nil {
		return res, err
	}
	res.SessionID = sess.ID
	res.SessionDir = sess.Dir
	res.Mode = ModeMicOnly
	if dualMode {
		res.Mode = ModeDual
	}

	if p.history != nil {
		if _, err := p.history.StoreSession(&sqlite.SessionRecord{
			RunID:     runID,
			SessionID: sess.ID,
			Directory: sess.Dir,
			Mode:      res.Mode,
			Status:    sqlite.StatusRecording,
			CreatedAt: time.Now(),
		}); err != nil {
			p.logger.Warn("Failed to record session history", logger.Error(err))
		}
	}

	if dualMode {
		err = p.captureDual(runID, resolved.Mic, *resolved.Monitor, sess)
	} else {
		err = p.captureSingle(runID, resolved.Mic, sess)
	}
	if err != nil {
		return res, err
	}

	// Validation: mic failure aborts, monitor failure degrades.
	p.setPhase(runID, PhaseValidating)
	micPath := sess.AudioPath()
	if dualMode {
		micPath = sess.MicPath()
	}
	outcome, err := p.validator.Validate(ctx, micPath, "mic")
	if err != nil {
		return res, err
	}
	res.DurationSec = outcome.Duration

	if dualMode {
		if _, err := p.validator.Validate(ctx, sess.MonitorPath(), "monitor"); err != nil {
			p.logger.Warn("Monitor audio unusable, using mic only", logger.Error(err))
			if err := audio.CopyTrack(sess.MicPath(), sess.AudioPath()); err != nil {
				return res, fmt.Errorf("mic-only fallback copy failed: %w", err)
			}
			dualMode = false
			res.Mode = ModeMicOnly
		}
	}

	if dualMode {
		p.setPhase(runID, PhaseMixing)
		mixed, err := p.mixer.Mix(ctx, sess.MicPath(), sess.MonitorPath(), sess.AudioPath())
		if err != nil {
			return res, err
		}
		res.Mixed = mixed
	}
	res.AudioPath = sess.AudioPath()

	// Hand-off to external services. Cancellation is no longer honored:
	// an in-flight transcription runs to completion or failure.
	p.setPhase(runID, PhaseTranscribing)
	p.notifier.Notify("Transcribing...", "Model: "+cfg.Model)
	segments, err := p.transcriber.Transcribe(ctx, sess.AudioPath(), cfg.Model)
	if err != nil {
		return res, fmt.Errorf("transcription failed: %w", err)
	}
	transcript := transcription.Render(segments)
	if err := os.WriteFile(sess.TranscriptPath(), []byte(transcript+"\n"), 0o644); err != nil {
		return res, fmt.Errorf("failed to write transcript: %w", err)
	}
	res.TranscriptPath = sess.TranscriptPath()

	if !cfg.NoSummary {
		p.setPhase(runID, PhaseSummarizing)
		p.notifier.Notify("Summarizing...", "Model: "+cfg.SummaryModel)
		summary, err := p.summarizer.Summarize(ctx, transcript)
		if err != nil {
			// Recoverable: the run still succeeds with transcript-only
			// output.
			p.logger.Warn("Summary failed, transcript is still available", logger.Error(err))
		} else if err := os.WriteFile(sess.SummaryPath(), []byte(summary+"\n"), 0o644); err != nil {
			p.logger.Warn("Failed to write summary", logger.Error(err))
		} else {
			res.SummaryPath = sess.SummaryPath()
		}
	}

	return res, nil
}

// captureDual records mic and monitor concurrently until a stop request or
// early exit, then brings both processes to a terminal state.
func (p *Pipeline) captureDual(runID string, mic, monitor sources.Endpoint, sess *session.Session) error {
	micRec, err := p.newRecorder(p.logger, mic, sess.MicPath())
	if err != nil {
		return err
	}
	monRec, err := p.newRecorder(p.logger, monitor, sess.MonitorPath())
	if err != nil {
		return err
	}

	dual := capture.NewDual(p.logger, micRec, monRec)
	if err := dual.Begin(); err != nil {
		return err
	}
	p.setPhase(runID, PhaseRecording)
	p.notifier.Notify("Recording started",
		fmt.Sprintf("Mic: %s\nMonitor: %s", mic.Name, monitor.Name))

	select {
	case <-p.stopChan():
	case <-dual.EarlyExit():
	}
	return dual.RequestStop()
}

// captureSingle records the mic straight to the final audio path.
func (p *Pipeline) captureSingle(runID string, mic sources.Endpoint, sess *session.Session) error {
	rec, err := p.newRecorder(p.logger, mic, sess.AudioPath())
	if err != nil {
		return err
	}
	proc, err := rec.Start()
	if err != nil {
		return err
	}
	p.setPhase(runID, PhaseRecording)
	p.notifier.Notify("Recording started", "Source: "+mic.Name)

	exited := make(chan struct{})
	go func() {
		proc.AwaitExit(0)
		close(exited)
	}()

	select {
	case <-p.stopChan():
	case <-exited:
		p.logger.Warn("Capture process exited early",
			logger.String("stderr", proc.Stderr()))
	}
	return rec.Stop(capture.StopGrace)
}

func (p *Pipeline) stopChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh
}
