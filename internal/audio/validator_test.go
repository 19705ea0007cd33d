package audio

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/recmeet/recmeet/internal/capture"
	"github.com/recmeet/recmeet/pkg/logger"
)

// writeWAV writes a minimal valid 16 kHz mono s16le WAV with the given
// payload seconds (silence).
func writeWAV(t *testing.T, path string, seconds float64) {
	t.Helper()
	dataSize := int(seconds * capture.BytesPerSecond)

	var buf bytes.Buffer
	buf.Write(EncodeCaptureHeader(dataSize))
	buf.Write(make([]byte, dataSize))

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeGarbage writes a file of the given total size whose header is not a
// parseable WAV.
func writeGarbage(t *testing.T, path string, size int) {
	t.Helper()
	data := bytes.Repeat([]byte{0xAB}, size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func noProbe() commandOutput {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("ffprobe not found")
	}
}

func newTestValidator(run commandOutput) *Validator {
	v := NewValidator(logger.Nop())
	v.run = run
	return v
}

func TestValidateHeaderParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.wav")
	writeWAV(t, path, 3.0)

	v := newTestValidator(noProbe())
	out, err := v.Validate(context.Background(), path, "mic")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Method != MethodHeaderParse {
		t.Errorf("method = %s, want header_parse", out.Method)
	}
	if math.Abs(out.Duration-3.0) > 0.01 {
		t.Errorf("duration = %f, want ≈3.0", out.Duration)
	}
}

func TestValidateMissingFile(t *testing.T) {
	v := newTestValidator(noProbe())
	_, err := v.Validate(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), "mic")
	if !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("got %v, want ErrEmptyFile", err)
	}
}

func TestValidateZeroLengthFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	v := newTestValidator(noProbe())
	if _, err := v.Validate(context.Background(), path, "mic"); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("got %v, want ErrEmptyFile", err)
	}
}

func TestValidateExternalProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.wav")
	writeGarbage(t, path, 44+32000)

	v := newTestValidator(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "ffprobe" {
			t.Errorf("probe binary = %q, want ffprobe", name)
		}
		return []byte("2.5\n"), nil
	})
	out, err := v.Validate(context.Background(), path, "monitor")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Method != MethodExternalProbe {
		t.Errorf("method = %s, want external_probe", out.Method)
	}
	if out.Duration != 2.5 {
		t.Errorf("duration = %f, want 2.5", out.Duration)
	}
}

func TestValidateProbeGibberishFallsThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.wav")
	writeGarbage(t, path, 44+32000*2)

	v := newTestValidator(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("N/A"), nil
	})
	out, err := v.Validate(context.Background(), path, "mic")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Method != MethodSizeEstimate {
		t.Errorf("method = %s, want size_estimate", out.Method)
	}
}

func TestValidateSizeEstimate(t *testing.T) {
	// 44 + 32000*t bytes with an unparseable header estimates to ≈t.
	for _, seconds := range []int{1, 3, 7} {
		path := filepath.Join(t.TempDir(), "audio.wav")
		writeGarbage(t, path, 44+32000*seconds)

		v := newTestValidator(noProbe())
		out, err := v.Validate(context.Background(), path, "mic")
		if err != nil {
			t.Fatalf("Validate(%ds): %v", seconds, err)
		}
		if out.Method != MethodSizeEstimate {
			t.Errorf("method = %s, want size_estimate", out.Method)
		}
		if math.Abs(out.Duration-float64(seconds)) > 0.01 {
			t.Errorf("duration = %f, want ≈%d", out.Duration, seconds)
		}
	}
}

func TestValidateTooShortRegardlessOfStage(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, path string) *Validator
	}{
		{
			name: "header parse",
			setup: func(t *testing.T, path string) *Validator {
				writeWAV(t, path, 0.5)
				return newTestValidator(noProbe())
			},
		},
		{
			name: "external probe",
			setup: func(t *testing.T, path string) *Validator {
				writeGarbage(t, path, 44+16000)
				return newTestValidator(func(ctx context.Context, name string, args ...string) ([]byte, error) {
					return []byte("0.5"), nil
				})
			},
		},
		{
			name: "size estimate",
			setup: func(t *testing.T, path string) *Validator {
				writeGarbage(t, path, 44+16000)
				return newTestValidator(noProbe())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "audio.wav")
			v := tt.setup(t, path)

			_, err := v.Validate(context.Background(), path, "mic")
			var tooShort *TooShortError
			if !errors.As(err, &tooShort) {
				t.Fatalf("got %v, want TooShortError", err)
			}
			if tooShort.Duration >= MinDuration {
				t.Errorf("reported duration %f not below threshold", tooShort.Duration)
			}
		})
	}
}
