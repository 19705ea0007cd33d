package capture

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/recmeet/recmeet/internal/sources"
	"github.com/recmeet/recmeet/pkg/logger"
)

// Normalized capture format. Every backend is asked for the same rate, bit
// depth, and channel count so validation, mixing, and transcription see a
// uniform WAV layout.
const (
	SampleRate = 16000
	Channels   = 1
	// BytesPerSecond for s16le mono at SampleRate.
	BytesPerSecond = SampleRate * Channels * 2
)

// Recorder backends, in mic preference order. Monitor endpoints require
// parecord: pw-record resolves .monitor names but records silence.
const (
	backendPwRecord = "pw-record"
	backendParecord = "parecord"
)

// lookPath is swappable in tests.
var lookPath = exec.LookPath

// Recorder binds one capture endpoint to one output path and knows which
// backend command to build for that endpoint kind.
type Recorder struct {
	Endpoint   sources.Endpoint
	OutputPath string

	backend string
	proc    *Process
	logger  *logger.Logger
}

// NewRecorder selects a backend for the endpoint and fails fast when the
// required binary is missing.
func NewRecorder(log *logger.Logger, endpoint sources.Endpoint, outputPath string) (*Recorder, error) {
	backend, err := selectBackend(endpoint.Kind)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		Endpoint:   endpoint,
		OutputPath: outputPath,
		backend:    backend,
		logger:     log.Named("recorder"),
	}, nil
}

func selectBackend(kind sources.Kind) (string, error) {
	if kind == sources.KindMonitor {
		if _, err := lookPath(backendParecord); err != nil {
			return "", fmt.Errorf("parecord is required for monitor capture (pw-record records silence from .monitor sources); install pipewire-pulse or pulseaudio-utils")
		}
		return backendParecord, nil
	}
	for _, b := range []string{backendPwRecord, backendParecord} {
		if _, err := lookPath(b); err == nil {
			return b, nil
		}
	}
	return "", fmt.Errorf("no recorder found; install pipewire (pw-record) or pulseaudio-utils (parecord)")
}

// Backend returns the selected backend binary name.
func (r *Recorder) Backend() string { return r.backend }

// Command returns the backend invocation for this recorder's endpoint and
// output path, at the normalized capture format.
func (r *Recorder) Command() (string, []string) {
	if r.backend == backendPwRecord {
		return backendPwRecord, []string{
			"--target", r.Endpoint.Name,
			"--format", "s16",
			"--rate", fmt.Sprint(SampleRate),
			"--channels", fmt.Sprint(Channels),
			r.OutputPath,
		}
	}
	return backendParecord, []string{
		"--device", r.Endpoint.Name,
		"--file-format=wav",
		"--format=s16le",
		fmt.Sprintf("--rate=%d", SampleRate),
		fmt.Sprintf("--channels=%d", Channels),
		r.OutputPath,
	}
}

// Start spawns the capture subprocess.
func (r *Recorder) Start() (*Process, error) {
	bin, args := r.Command()
	proc, err := StartProcess(r.logger, bin, args...)
	if err != nil {
		return nil, err
	}
	r.proc = proc
	r.logger.Info("Capture started",
		logger.String("backend", bin),
		logger.String("endpoint", r.Endpoint.Name),
		logger.String("kind", r.Endpoint.Kind.String()),
		logger.Int("pid", proc.PID()))
	return proc, nil
}

// Process returns the underlying process handle, nil before Start.
func (r *Recorder) Process() *Process { return r.proc }

// Stop interrupts the capture, waits up to grace, and force-kills if the
// process is still alive. It always returns with the process in a terminal
// state.
func (r *Recorder) Stop(grace time.Duration) error {
	if r.proc == nil {
		return nil
	}
	if err := r.proc.RequestStop(); err != nil {
		r.logger.Warn("Interrupt failed, escalating", logger.Error(err))
		return r.proc.ForceKill()
	}
	if _, err := r.proc.AwaitExit(grace); err != nil {
		r.logger.Warn("Capture ignored interrupt, force-killing",
			logger.String("endpoint", r.Endpoint.Name),
			logger.Duration("grace", grace))
		return r.proc.ForceKill()
	}
	return nil
}
