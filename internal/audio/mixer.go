package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/recmeet/recmeet/internal/capture"
	"github.com/recmeet/recmeet/pkg/logger"
)

// MixTimeout bounds the external mix invocation. Mixing an hour-long
// meeting is seconds of work; anything past this is ffmpeg wedged on a
// broken input.
const MixTimeout = 2 * time.Minute

type runCmd func(ctx context.Context, name string, args ...string) error

func execRun(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Mixer combines a mic and a monitor capture into one track via ffmpeg,
// summing both inputs to the longer duration without volume normalization.
// On any mixer failure it degrades to a byte-identical copy of the mic
// track: the run always ends with a usable single-track file.
type Mixer struct {
	run     runCmd
	timeout time.Duration
	logger  *logger.Logger
}

// NewMixer creates a mixer with the default timeout.
func NewMixer(log *logger.Logger) *Mixer {
	return &Mixer{
		run:     execRun,
		timeout: MixTimeout,
		logger:  log.Named("mixer"),
	}
}

// Mix writes the combined track to outputPath. The returned bool reports
// whether a true mix happened (false = mic-copy fallback). The error is
// non-nil only when the fallback copy itself failed.
func (m *Mixer) Mix(ctx context.Context, micPath, monitorPath, outputPath string) (bool, error) {
	mixCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.run(mixCtx, "ffmpeg",
		"-y",
		"-i", micPath,
		"-i", monitorPath,
		"-filter_complex", "amix=inputs=2:duration=longest:normalize=0",
		"-ar", fmt.Sprint(capture.SampleRate),
		"-ac", fmt.Sprint(capture.Channels),
		outputPath,
	)
	if err == nil {
		m.logger.Info("Mixed audio saved", logger.String("path", outputPath))
		return true, nil
	}

	m.logger.Warn("Mix failed, falling back to mic-only audio", logger.Error(err))
	if err := copyFile(micPath, outputPath); err != nil {
		return false, fmt.Errorf("mix fallback copy failed: %w", err)
	}
	return false, nil
}

// copyFile makes a byte-identical copy of src at dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyTrack exposes the fallback copy for the mic-only degrade path.
func CopyTrack(src, dst string) error {
	return copyFile(src, dst)
}
