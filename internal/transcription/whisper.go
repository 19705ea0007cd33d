package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/recmeet/recmeet/pkg/logger"
)

// Transcriber turns a validated audio file into timestamped segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model string) ([]Segment, error)
}

// Ensure the whisper CLI wrapper implements the interface
var _ Transcriber = (*WhisperCLI)(nil)

// ErrNoSpeech indicates transcription ran but produced no text. Fatal to
// the run: no transcript means no summary attempt.
var ErrNoSpeech = errors.New("transcription produced no text")

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// WhisperCLI invokes an external Whisper command line and parses its JSON
// segment output. The default invocation is `python -m whisper`; Bin
// overrides it with a standalone binary.
type WhisperCLI struct {
	Bin string

	run    runner
	logger *logger.Logger
}

// whisperOutput mirrors the JSON file Whisper writes next to the audio.
type whisperOutput struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// NewWhisperCLI creates a transcriber shelling out to Whisper.
func NewWhisperCLI(log *logger.Logger, bin string) *WhisperCLI {
	return &WhisperCLI{
		Bin:    bin,
		run:    execCombined,
		logger: log.Named("whisper"),
	}
}

func (w *WhisperCLI) command(audioPath, model, outDir string) (string, []string) {
	args := []string{
		audioPath,
		"--model", model,
		"--output_dir", outDir,
		"--output_format", "json",
		"--fp16", "False",
	}
	if w.Bin != "" {
		return w.Bin, args
	}
	return "python", append([]string{"-m", "whisper"}, args...)
}

// Transcribe runs Whisper over audioPath with the given model name. The
// pipeline does not cancel an in-flight transcription; ctx exists for
// callers that own shorter-lived work.
func (w *WhisperCLI) Transcribe(ctx context.Context, audioPath, model string) ([]Segment, error) {
	outDir, err := os.MkdirTemp("", "recmeet-whisper-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	absPath, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audio path: %w", err)
	}

	bin, args := w.command(absPath, model, outDir)
	w.logger.Info("Transcribing",
		logger.String("audio", audioPath),
		logger.String("model", model))

	out, err := w.run(ctx, bin, args...)
	if err != nil {
		return nil, fmt.Errorf("whisper failed: %w\n%s", err, strings.TrimSpace(string(out)))
	}

	base := strings.TrimSuffix(filepath.Base(absPath), filepath.Ext(absPath))
	jsonPath := filepath.Join(outDir, base+".json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper output: %w", err)
	}

	var parsed whisperOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %w", err)
	}

	segments := parsed.Segments
	if Render(segments) == "" {
		return nil, ErrNoSpeech
	}

	w.logger.Info("Transcription complete",
		logger.Int("segments", len(segments)),
		logger.String("language", parsed.Language))
	return segments, nil
}
