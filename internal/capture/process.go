package capture

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/recmeet/recmeet/pkg/logger"
)

// ProcessState tracks the lifecycle of one capture subprocess. Transitions
// are monotonic: no state is ever revisited.
type ProcessState int

const (
	StateSpawned ProcessState = iota
	StateRunning
	StateStopRequested
	StateStopped
	StateKilled
)

func (s ProcessState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	case StateStopped:
		return "stopped"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// SpawnError indicates a capture/probe/mix binary could not be started.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrAwaitTimeout is returned by AwaitExit when the process outlives the
// timeout. The caller is responsible for escalation.
var ErrAwaitTimeout = errors.New("timed out waiting for process exit")

// reapDelay bounds how long Wait may block on the stderr pipe after the
// process itself has exited. A forked grandchild that inherited the pipe
// would otherwise hold the reaper open indefinitely.
const reapDelay = 2 * time.Second

// ExitResult describes how a process ended.
type ExitResult struct {
	ExitCode int
	Signaled bool // terminated by a signal rather than a plain exit
}

// Process is a handle over one OS-level subprocess. Every successful Start
// must be matched by exactly one terminal call: AwaitExit reaching
// StateStopped, or ForceKill reaching StateKilled.
type Process struct {
	cmd    *exec.Cmd
	binary string
	logger *logger.Logger

	mu     sync.Mutex
	state  ProcessState
	stderr bytes.Buffer

	waitDone chan struct{}
	waitErr  error
}

// StartProcess spawns a subprocess with stdout discarded and stderr
// retained for diagnostics.
func StartProcess(log *logger.Logger, binary string, args ...string) (*Process, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	p := &Process{
		binary:   binary,
		logger:   log.Named("process"),
		state:    StateSpawned,
		waitDone: make(chan struct{}),
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = nil
	cmd.Stderr = &p.stderr
	cmd.WaitDelay = reapDelay
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	p.cmd = cmd
	p.setState(StateRunning)

	p.logger.Debug("Process started",
		logger.String("binary", binary),
		logger.Int("pid", cmd.Process.Pid))

	// Single reaper: cmd.Wait may only be called once.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	return p, nil
}

// PID returns the OS process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Monotonic: never move backwards, never leave a terminal state.
	if s > p.state {
		p.state = s
	}
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// Stderr returns what the process wrote to stderr so far, trimmed.
func (p *Process) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.stderr.String())
}

// RequestStop sends an interrupt for a cooperative stop. Requesting a stop
// on an already-exited process is a no-op, not an error.
func (p *Process) RequestStop() error {
	if p.Exited() {
		return nil
	}
	p.setState(StateStopRequested)
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to interrupt %s (pid %d): %w", p.binary, p.PID(), err)
	}
	return nil
}

// AwaitExit blocks until the process exits or timeout elapses. On timeout
// it returns ErrAwaitTimeout without killing; escalation is the caller's
// job. A zero timeout waits forever.
func (p *Process) AwaitExit(timeout time.Duration) (ExitResult, error) {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-p.waitDone:
		case <-timer.C:
			return ExitResult{}, ErrAwaitTimeout
		}
	} else {
		<-p.waitDone
	}

	p.setState(StateStopped)
	return p.exitResult(), nil
}

// ForceKill sends SIGKILL and blocks until the process is reaped.
func (p *Process) ForceKill() error {
	if !p.Exited() {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill %s (pid %d): %w", p.binary, p.PID(), err)
		}
	}
	<-p.waitDone
	p.setState(StateKilled)
	p.logger.Warn("Process force-killed",
		logger.String("binary", p.binary),
		logger.Int("pid", p.PID()),
		logger.String("stderr", p.Stderr()))
	return nil
}

func (p *Process) exitResult() ExitResult {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return ExitResult{
			ExitCode: exitErr.ExitCode(),
			Signaled: exitErr.ExitCode() == -1,
		}
	}
	// The reap delay elapsed: the process itself is gone, only the pipe
	// was still held. Report its real exit status.
	if errors.Is(p.waitErr, exec.ErrWaitDelay) && p.cmd.ProcessState != nil {
		code := p.cmd.ProcessState.ExitCode()
		return ExitResult{ExitCode: code, Signaled: code == -1}
	}
	return ExitResult{}
}
