package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/recmeet/recmeet/pkg/logger"
)

// fakeSession runs a real throwaway subprocess so process lifecycle is
// exercised end to end.
type fakeSession struct {
	args     []string
	spawnErr error
	proc     *Process
	stopped  bool
}

func (f *fakeSession) Start() (*Process, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	p, err := StartProcess(logger.Nop(), f.args[0], f.args[1:]...)
	if err != nil {
		return nil, err
	}
	f.proc = p
	return p, nil
}

func (f *fakeSession) Stop(grace time.Duration) error {
	f.stopped = true
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

func (f *fakeSession) Process() *Process { return f.proc }

func sleeper() *fakeSession {
	return &fakeSession{args: []string{"sleep", "30"}}
}

func TestDualBeginAndStop(t *testing.T) {
	mic, mon := sleeper(), sleeper()
	d := NewDual(logger.Nop(), mic, mon)

	if err := d.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if d.State() != DualBothRunning {
		t.Errorf("state = %v, want BothRunning", d.State())
	}

	if err := d.RequestStop(); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if d.State() != DualStopped {
		t.Errorf("state = %v, want Stopped", d.State())
	}
	if !mic.proc.Exited() || !mon.proc.Exited() {
		t.Error("a capture process was left in a non-terminal state")
	}
}

func TestDualSpawnFailureStopsOther(t *testing.T) {
	mic := sleeper()
	mon := &fakeSession{spawnErr: errors.New("parecord missing")}
	d := NewDual(logger.Nop(), mic, mon)

	if err := d.Begin(); err == nil {
		t.Fatal("Begin succeeded despite monitor spawn failure")
	}
	if !mic.stopped {
		t.Error("mic was not stopped after monitor spawn failure")
	}
	if mic.proc != nil && !mic.proc.Exited() {
		t.Error("mic process left running")
	}
}

func TestDualStopBoundedWhenInterruptIgnored(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full stop grace")
	}
	// The monitor shell touches a sentinel after installing its SIGINT
	// trap; stopping before that would kill the shell cooperatively.
	sentinel := filepath.Join(t.TempDir(), "ready")
	script := fmt.Sprintf(`trap "" INT; : > %s; sleep 60`, sentinel)

	mic := sleeper()
	mon := &fakeSession{args: []string{"sh", "-c", script}}
	d := NewDual(logger.Nop(), mic, mon)

	if err := d.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		if _, err := os.Stat(sentinel); err == nil {
			break
		}
		select {
		case <-deadline:
			d.RequestStop()
			t.Fatal("monitor shell never installed the SIGINT trap")
		case <-time.After(5 * time.Millisecond):
		}
	}

	start := time.Now()
	if err := d.RequestStop(); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	elapsed := time.Since(start)

	// Both streams stop concurrently: the bound is about one grace
	// period, not two.
	if elapsed > StopGrace+3*time.Second {
		t.Errorf("RequestStop took %v, want ≈ %v", elapsed, StopGrace)
	}
	if !mon.proc.Exited() {
		t.Error("stubborn monitor process was not force-killed")
	}
}

func TestDualEarlyExitSignals(t *testing.T) {
	mic := sleeper()
	mon := &fakeSession{args: []string{"true"}} // exits immediately
	d := NewDual(logger.Nop(), mic, mon)

	if err := d.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	select {
	case <-d.EarlyExit():
	case <-time.After(5 * time.Second):
		t.Fatal("early exit not detected")
	}

	if err := d.RequestStop(); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if d.State() != DualStopped {
		t.Errorf("state = %v, want Stopped", d.State())
	}
}

func TestDualRequestStopIdempotent(t *testing.T) {
	d := NewDual(logger.Nop(), sleeper(), sleeper())
	if err := d.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.RequestStop(); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	// Second request is a no-op.
	if err := d.RequestStop(); err != nil {
		t.Errorf("second RequestStop: %v", err)
	}
}

func TestDualRequestStopBeforeBeginIsNoop(t *testing.T) {
	d := NewDual(logger.Nop(), sleeper(), sleeper())
	done := make(chan error, 1)
	go func() { done <- d.RequestStop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RequestStop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestStop before Begin blocked")
	}
}
