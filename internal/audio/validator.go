package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/recmeet/recmeet/internal/capture"
	"github.com/recmeet/recmeet/pkg/logger"
)

// Method identifies which cascade stage produced a duration.
type Method string

const (
	MethodHeaderParse   Method = "header_parse"
	MethodExternalProbe Method = "external_probe"
	MethodSizeEstimate  Method = "size_estimate"
)

const (
	// MinDuration is the default minimum usable capture length in seconds.
	MinDuration = 1.0

	// ProbeTimeout bounds the external ffprobe invocation.
	ProbeTimeout = 10 * time.Second
)

// ErrEmptyFile indicates a capture file that is missing, zero-length, or
// holds no sample data.
var ErrEmptyFile = errors.New("audio file is missing or empty")

// TooShortError indicates a capture below the minimum duration. The stage
// that computed the duration does not change the outcome, only how the
// duration was obtained.
type TooShortError struct {
	Duration float64
	Method   Method
}

func (e *TooShortError) Error() string {
	return fmt.Sprintf("audio too short (%.1fs)", e.Duration)
}

// Outcome is the validated duration of one capture file. Never mutated
// after creation.
type Outcome struct {
	Duration float64
	Method   Method
}

type commandOutput func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// stage is one explicit validation attempt: a duration, or pass to the
// next stage.
type stage struct {
	method Method
	probe  func(ctx context.Context, path string) (float64, bool)
}

// Validator derives a duration for a captured file through an ordered
// fallback chain: WAV header parse, then ffprobe, then a raw size estimate.
// The header is frequently truncated when a recorder is interrupted, which
// is why the later stages exist.
type Validator struct {
	run         commandOutput
	minDuration float64
	logger      *logger.Logger
}

// NewValidator creates a validator with the default minimum duration.
func NewValidator(log *logger.Logger) *Validator {
	return &Validator{
		run:         runCommand,
		minDuration: MinDuration,
		logger:      log.Named("validator"),
	}
}

// Validate runs the cascade over path. label names the stream in logs
// ("mic", "monitor"). Fatality is the caller's choice.
func (v *Validator) Validate(ctx context.Context, path, label string) (Outcome, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return Outcome{}, fmt.Errorf("%s: %w", label, ErrEmptyFile)
	}

	stages := []stage{
		{MethodHeaderParse, v.headerParse},
		{MethodExternalProbe, v.externalProbe},
		{MethodSizeEstimate, v.sizeEstimate},
	}

	for _, s := range stages {
		duration, ok := s.probe(ctx, path)
		if !ok {
			continue
		}
		if duration < v.minDuration {
			return Outcome{}, fmt.Errorf("%s: %w", label, &TooShortError{Duration: duration, Method: s.method})
		}
		v.logger.Info("Audio validated",
			logger.String("label", label),
			logger.Float64("duration_sec", duration),
			logger.String("method", string(s.method)))
		return Outcome{Duration: duration, Method: s.method}, nil
	}

	return Outcome{}, fmt.Errorf("%s: %w", label, ErrEmptyFile)
}

// headerParse reads the container header: duration = frames / rate,
// accepted only when both are positive.
func (v *Validator) headerParse(_ context.Context, path string) (float64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dur, err := dec.Duration()
	if err != nil || dur <= 0 {
		return 0, false
	}
	return dur.Seconds(), true
}

// externalProbe asks ffprobe for the container-level duration field as
// plain numeric text.
func (v *Validator) externalProbe(ctx context.Context, path string) (float64, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	out, err := v.run(probeCtx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, false
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, false
	}
	return duration, true
}

// sizeEstimate is the last resort: the normalized format is known, so the
// payload size divides to a duration.
func (v *Validator) sizeEstimate(_ context.Context, path string) (float64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	dataSize := info.Size() - HeaderSize
	if dataSize <= 0 {
		return 0, false
	}
	return float64(dataSize) / float64(capture.BytesPerSecond), true
}
