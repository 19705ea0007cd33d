package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/recmeet/recmeet/internal/audio"
	"github.com/recmeet/recmeet/internal/capture"
	"github.com/recmeet/recmeet/internal/config"
	"github.com/recmeet/recmeet/internal/session"
	"github.com/recmeet/recmeet/internal/sources"
	"github.com/recmeet/recmeet/internal/transcription"
	"github.com/recmeet/recmeet/pkg/logger"
)

type fakeCatalog struct {
	resolved sources.Resolved
	err      error
	gate     chan struct{} // when set, Resolve blocks until closed
}

func (f *fakeCatalog) Resolve(ctx context.Context, spec sources.ResolveSpec) (sources.Resolved, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.resolved, f.err
}

type fakeValidator struct {
	mu   sync.Mutex
	errs map[string]error // label -> error
}

func (f *fakeValidator) Validate(ctx context.Context, path, label string) (audio.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[label]; err != nil {
		return audio.Outcome{}, err
	}
	return audio.Outcome{Duration: 10, Method: audio.MethodHeaderParse}, nil
}

type fakeMixer struct {
	called bool
}

func (f *fakeMixer) Mix(ctx context.Context, micPath, monitorPath, outputPath string) (bool, error) {
	f.called = true
	return true, os.WriteFile(outputPath, []byte("MIXED"), 0o644)
}

type fakeTranscriber struct {
	err error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath, model string) ([]transcription.Segment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []transcription.Segment{{Start: 0, End: 5, Text: "hello"}}, nil
}

type fakeSummarizer struct {
	err error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "### Overview\nshort", nil
}

// fakeRecorder drives a real throwaway subprocess and writes capture bytes
// on start so downstream file operations see real artifacts.
type fakeRecorder struct {
	path    string
	payload []byte
	proc    *capture.Process
}

func (f *fakeRecorder) Start() (*capture.Process, error) {
	if err := os.WriteFile(f.path, f.payload, 0o644); err != nil {
		return nil, err
	}
	p, err := capture.StartProcess(logger.Nop(), "sleep", "30")
	if err != nil {
		return nil, err
	}
	f.proc = p
	return p, nil
}

func (f *fakeRecorder) Stop(grace time.Duration) error {
	if f.proc == nil {
		return nil
	}
	if err := f.proc.RequestStop(); err != nil {
		return f.proc.ForceKill()
	}
	if _, err := f.proc.AwaitExit(grace); err != nil {
		return f.proc.ForceKill()
	}
	return nil
}

func (f *fakeRecorder) Process() *capture.Process { return f.proc }

type testEnv struct {
	pipeline  *Pipeline
	catalog   *fakeCatalog
	validator *fakeValidator
	mixer     *fakeMixer
	recorders []*fakeRecorder
	phases    *phaseLog
	cfg       config.Config
}

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (l *phaseLog) add(ev Event) {
	l.mu.Lock()
	l.phases = append(l.phases, ev.Phase)
	l.mu.Unlock()
}

func (l *phaseLog) list() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Phase, len(l.phases))
	copy(out, l.phases)
	return out
}

func (l *phaseLog) has(p Phase) bool {
	for _, got := range l.list() {
		if got == p {
			return true
		}
	}
	return false
}

func newTestEnv(t *testing.T, dual bool) *testEnv {
	t.Helper()
	env := &testEnv{
		catalog:   &fakeCatalog{},
		validator: &fakeValidator{errs: map[string]error{}},
		mixer:     &fakeMixer{},
		phases:    &phaseLog{},
	}

	mic := sources.Endpoint{Name: "mic-ep", Kind: sources.KindMic}
	env.catalog.resolved = sources.Resolved{Mic: mic}
	if dual {
		mon := sources.Endpoint{Name: "out.monitor", Kind: sources.KindMonitor}
		env.catalog.resolved.Monitor = &mon
	}

	env.cfg = config.Default()
	env.cfg.OutputDir = t.TempDir()
	env.cfg.NoSummary = false

	env.pipeline = New(Deps{
		Catalog:     env.catalog,
		Validator:   env.validator,
		Mixer:       env.mixer,
		Transcriber: &fakeTranscriber{},
		Summarizer:  &fakeSummarizer{},
		Logger:      logger.Nop(),
	})
	env.pipeline.newRecorder = func(log *logger.Logger, endpoint sources.Endpoint, outputPath string) (capture.Session, error) {
		payload := []byte("MIC-DATA")
		if endpoint.Kind == sources.KindMonitor {
			payload = []byte("MON-DATA")
		}
		r := &fakeRecorder{path: outputPath, payload: payload}
		env.recorders = append(env.recorders, r)
		return r, nil
	}
	env.pipeline.OnPhaseChange(env.phases.add)
	return env
}

func waitForPhase(t *testing.T, p *Pipeline, want Phase) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if p.Phase() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pipeline never reached phase %s (at %s)", want, p.Phase())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunMicOnly(t *testing.T) {
	env := newTestEnv(t, false)

	runID, err := env.pipeline.StartAsync(env.cfg)
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	if runID == "" {
		t.Error("empty run ID")
	}

	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	res := env.pipeline.Result()
	if res == nil || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Mode != ModeMicOnly {
		t.Errorf("mode = %q, want mic-only", res.Mode)
	}
	if env.mixer.called {
		t.Error("mixer invoked in mic-only mode")
	}

	transcript, err := os.ReadFile(res.TranscriptPath)
	if err != nil {
		t.Fatalf("transcript not written: %v", err)
	}
	if !bytes.Contains(transcript, []byte("[00:00 - 00:05] hello")) {
		t.Errorf("transcript = %q", transcript)
	}
	if res.SummaryPath == "" {
		t.Error("summary not written")
	}

	for _, want := range []Phase{PhaseRecording, PhaseValidating, PhaseTranscribing, PhaseSummarizing, PhaseIdle} {
		if !env.phases.has(want) {
			t.Errorf("phase %s never observed (got %v)", want, env.phases.list())
		}
	}
}

func TestRunDualMixes(t *testing.T) {
	env := newTestEnv(t, true)

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	res := env.pipeline.Result()
	if res.Err != nil {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.Mode != ModeDual || !res.Mixed {
		t.Errorf("mode = %q mixed = %v, want dual/true", res.Mode, res.Mixed)
	}
	if !env.mixer.called {
		t.Error("mixer not invoked")
	}
	if !env.phases.has(PhaseMixing) {
		t.Errorf("mixing phase never observed (got %v)", env.phases.list())
	}
}

func TestRefusesConcurrentRuns(t *testing.T) {
	env := newTestEnv(t, false)

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)

	if _, err := env.pipeline.StartAsync(env.cfg); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartAsync = %v, want ErrBusy", err)
	}

	env.pipeline.RequestStop()
	env.pipeline.Wait()
}

func TestRefusesBackToBackStarts(t *testing.T) {
	env := newTestEnv(t, false)

	// Hold the run inside source resolution, before the first phase
	// transition: the slot must already be claimed at that point.
	env.catalog.gate = make(chan struct{})

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	if _, err := env.pipeline.StartAsync(env.cfg); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartAsync = %v, want ErrBusy", err)
	}

	close(env.catalog.gate)
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	// The slot reopens once the run finishes.
	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync after completion: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()
}

func TestMonitorValidationFailureDegradesToMicOnly(t *testing.T) {
	env := newTestEnv(t, true)
	env.validator.errs["monitor"] = audio.ErrEmptyFile

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	res := env.pipeline.Result()
	if res.Err != nil {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.Mode != ModeMicOnly {
		t.Errorf("mode = %q, want mic-only degrade", res.Mode)
	}
	if env.mixer.called {
		t.Error("mixer invoked after monitor degrade")
	}

	// Final single-track artifact is byte-identical to the mic capture.
	sess := &session.Session{Dir: res.SessionDir}
	micBytes, _ := os.ReadFile(sess.MicPath())
	outBytes, err := os.ReadFile(res.AudioPath)
	if err != nil {
		t.Fatalf("final artifact missing: %v", err)
	}
	if !bytes.Equal(micBytes, outBytes) {
		t.Error("final artifact differs from mic capture")
	}
	if res.TranscriptPath == "" {
		t.Error("transcript not produced after degrade")
	}
}

func TestMicValidationFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, false)
	env.validator.errs["mic"] = audio.ErrEmptyFile

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	res := env.pipeline.Result()
	if !errors.Is(res.Err, audio.ErrEmptyFile) {
		t.Fatalf("err = %v, want ErrEmptyFile", res.Err)
	}
	if !env.phases.has(PhaseError) {
		t.Errorf("error phase never observed (got %v)", env.phases.list())
	}
	if env.pipeline.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle after error", env.pipeline.Phase())
	}
}

func TestSummaryFailureIsRecoverable(t *testing.T) {
	env := newTestEnv(t, false)
	env.pipeline.summarizer = &fakeSummarizer{err: errors.New("api down")}

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	res := env.pipeline.Result()
	if res.Err != nil {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.TranscriptPath == "" {
		t.Error("transcript missing")
	}
	if res.SummaryPath != "" {
		t.Error("summary path set despite failure")
	}
}

func TestTranscriptionFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, false)
	env.pipeline.transcriber = &fakeTranscriber{err: errors.New("no module named whisper")}

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	res := env.pipeline.Result()
	if res.Err == nil {
		t.Fatal("transcription failure did not fail the run")
	}
	if env.phases.has(PhaseSummarizing) {
		t.Error("summarization attempted without a transcript")
	}
}

func TestMissingSummarizerFailsBeforeRecording(t *testing.T) {
	env := newTestEnv(t, false)
	env.pipeline.summarizer = nil

	res, err := env.pipeline.Run(env.cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected config error without API key")
	}
	if res.SessionDir != "" {
		t.Error("session directory created before the key check")
	}
}

func TestCancellationLeavesNoProcesses(t *testing.T) {
	env := newTestEnv(t, true)

	if _, err := env.pipeline.StartAsync(env.cfg); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, env.pipeline, PhaseRecording)
	env.pipeline.RequestStop()
	env.pipeline.Wait()

	if got := env.pipeline.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want idle", got)
	}
	for i, r := range env.recorders {
		if r.proc != nil && !r.proc.Exited() {
			t.Errorf("recorder %d left a live process", i)
		}
	}
}
