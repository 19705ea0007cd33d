package sources

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/recmeet/recmeet/pkg/logger"
)

// MonitorSuffix marks endpoints that mirror a playback output as a
// capturable input (PulseAudio/PipeWire convention).
const MonitorSuffix = ".monitor"

// Kind classifies an audio endpoint.
type Kind int

const (
	KindMic Kind = iota
	KindMonitor
)

func (k Kind) String() string {
	if k == KindMonitor {
		return "monitor"
	}
	return "mic"
}

// Endpoint is a named audio input source exposed by the audio subsystem.
// Immutable once enumerated.
type Endpoint struct {
	Name string
	Kind Kind
}

// ErrEnumeration indicates the source listing mechanism is absent or failed.
var ErrEnumeration = errors.New("audio source enumeration unavailable")

// ErrNoMatchingEndpoint indicates the detection pattern matched nothing usable.
var ErrNoMatchingEndpoint = errors.New("no matching audio endpoint")

// Detected is the result of pattern-based auto-detection. Mic/Monitor are
// nil when no endpoint of that kind matched; All always carries the full
// enumeration.
type Detected struct {
	Mic     *Endpoint
	Monitor *Endpoint
	All     []Endpoint
}

// commandOutput runs a command and returns its stdout. Swappable in tests.
type commandOutput func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Catalog enumerates and classifies audio capture endpoints via pactl.
type Catalog struct {
	run    commandOutput
	logger *logger.Logger
}

// NewCatalog creates a new endpoint catalog.
func NewCatalog(log *logger.Logger) *Catalog {
	return &Catalog{
		run:    runCommand,
		logger: log.Named("sources"),
	}
}

// List queries pactl for active input endpoints. The listing is
// line-oriented with tab-separated fields; the second field is the
// endpoint's stable name.
func (c *Catalog) List(ctx context.Context) ([]Endpoint, error) {
	out, err := c.run(ctx, "pactl", "list", "short", "sources")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: pactl failed: %s", ErrEnumeration, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%w: pactl not found (install pipewire-pulse or pulseaudio-utils)", ErrEnumeration)
	}

	var endpoints []Endpoint
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		endpoints = append(endpoints, classify(fields[1]))
	}
	return endpoints, nil
}

func classify(name string) Endpoint {
	kind := KindMic
	if strings.HasSuffix(name, MonitorSuffix) {
		kind = KindMonitor
	}
	return Endpoint{Name: name, Kind: kind}
}

// Detect scans the enumeration for the first endpoint per kind whose name
// matches pattern, case-insensitively. First match wins, not best match.
func (c *Catalog) Detect(ctx context.Context, pattern string) (Detected, error) {
	all, err := c.List(ctx)
	if err != nil {
		return Detected{}, err
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Detected{All: all}, fmt.Errorf("invalid device pattern %q: %w", pattern, err)
	}

	d := Detected{All: all}
	for i := range all {
		ep := all[i]
		if !re.MatchString(ep.Name) {
			continue
		}
		switch ep.Kind {
		case KindMonitor:
			if d.Monitor == nil {
				d.Monitor = &all[i]
			}
		default:
			if d.Mic == nil {
				d.Mic = &all[i]
			}
		}
	}
	return d, nil
}

// ResolveSpec names the inputs to endpoint resolution for one run.
type ResolveSpec struct {
	MicSource     string // explicit mic endpoint name, "" = auto-detect
	MonitorSource string // explicit name, "default" token, or "" = auto-detect
	MicOnly       bool   // skip monitor resolution entirely
	Pattern       string // auto-detection regex
}

// Resolved is the effective endpoint pair for a run. Monitor is nil in
// mic-only mode.
type Resolved struct {
	Mic     Endpoint
	Monitor *Endpoint
}

// Resolve determines the effective mic and monitor endpoints. Priority per
// endpoint: explicit name, then the "default" token (first enumerated
// monitor), then pattern auto-detection. Mic resolution failure is fatal;
// monitor resolution failure degrades to mic-only.
func (c *Catalog) Resolve(ctx context.Context, spec ResolveSpec) (Resolved, error) {
	var detected *Detected

	detect := func() (*Detected, error) {
		if detected != nil {
			return detected, nil
		}
		d, err := c.Detect(ctx, spec.Pattern)
		if err != nil {
			return nil, err
		}
		detected = &d
		return detected, nil
	}

	var mic Endpoint
	if spec.MicSource != "" {
		mic = classify(spec.MicSource)
	} else {
		d, err := detect()
		if err != nil {
			return Resolved{}, err
		}
		if d.Mic == nil {
			return Resolved{}, fmt.Errorf("%w: no mic source matching pattern %q (%d sources enumerated)",
				ErrNoMatchingEndpoint, spec.Pattern, len(d.All))
		}
		mic = *d.Mic
	}

	res := Resolved{Mic: mic}
	if spec.MicOnly {
		return res, nil
	}

	switch {
	case spec.MonitorSource != "" && spec.MonitorSource != "default":
		ep := classify(spec.MonitorSource)
		res.Monitor = &ep
	case spec.MonitorSource == "default":
		d, err := detect()
		if err != nil {
			return Resolved{}, err
		}
		for i := range d.All {
			if d.All[i].Kind == KindMonitor {
				res.Monitor = &d.All[i]
				break
			}
		}
		if res.Monitor == nil {
			c.logger.Warn("No monitor source found, falling back to mic-only")
		}
	default:
		d, err := detect()
		if err != nil {
			return Resolved{}, err
		}
		res.Monitor = d.Monitor
		if res.Monitor == nil {
			c.logger.Info("No monitor source matched, recording mic only",
				logger.String("pattern", spec.Pattern))
		}
	}
	return res, nil
}
