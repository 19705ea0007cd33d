package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/recmeet/recmeet/pkg/logger"
)

// StopGrace is the cooperative-shutdown window per stream before a capture
// process is force-killed.
const StopGrace = 5 * time.Second

// supervisePollInterval bounds how quickly an unexpected early exit of
// either stream is noticed.
const supervisePollInterval = 100 * time.Millisecond

// DualState tracks the orchestrator lifecycle.
type DualState int

const (
	DualIdle DualState = iota
	DualBothRunning
	DualStopping
	DualStopped
)

// Session is the slice of Recorder the orchestrator needs.
type Session interface {
	Start() (*Process, error)
	Stop(grace time.Duration) error
	Process() *Process
}

// Ensure the recorder satisfies the session interface
var _ Session = (*Recorder)(nil)

// Dual runs a mic and a monitor recorder concurrently and coordinates a
// unified stop. Unexpected early exit of either stream is treated like an
// operator stop, not a fatal error: the data captured so far may still be
// usable.
type Dual struct {
	mic     Session
	monitor Session
	logger  *logger.Logger

	mu    sync.Mutex
	state DualState

	// closed by the supervisor when either process exits on its own
	earlyExit chan struct{}
	// closed when the supervisor goroutine returns
	superviseDone chan struct{}
}

// NewDual creates an orchestrator over a mic and a monitor recorder.
func NewDual(log *logger.Logger, mic, monitor Session) *Dual {
	return &Dual{
		mic:           mic,
		monitor:       monitor,
		logger:        log.Named("dual-capture"),
		earlyExit:     make(chan struct{}),
		superviseDone: make(chan struct{}),
	}
}

// Begin starts both recorders. If either fails to spawn, the other is
// stopped immediately; no partial dual capture is left running.
func (d *Dual) Begin() error {
	d.mu.Lock()
	if d.state != DualIdle {
		d.mu.Unlock()
		return fmt.Errorf("dual capture already started")
	}
	d.mu.Unlock()

	if _, err := d.mic.Start(); err != nil {
		return fmt.Errorf("mic capture: %w", err)
	}
	if _, err := d.monitor.Start(); err != nil {
		if stopErr := d.mic.Stop(StopGrace); stopErr != nil {
			d.logger.Error("Failed to stop mic after monitor spawn failure", logger.Error(stopErr))
		}
		return fmt.Errorf("monitor capture: %w", err)
	}

	d.setState(DualBothRunning)
	go d.supervise()
	return nil
}

// supervise polls both processes for unexpected early exit while running.
func (d *Dual) supervise() {
	defer close(d.superviseDone)
	ticker := time.NewTicker(supervisePollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if d.State() != DualBothRunning {
			return
		}
		mic, monitor := d.mic.Process(), d.monitor.Process()
		if mic.Exited() || monitor.Exited() {
			exited := mic
			if !mic.Exited() {
				exited = monitor
			}
			d.logger.Warn("Capture process exited early, stopping both streams",
				logger.String("stderr", exited.Stderr()))
			close(d.earlyExit)
			return
		}
	}
}

// EarlyExit is closed when either capture process exits before a stop was
// requested. The caller should then call RequestStop as usual.
func (d *Dual) EarlyExit() <-chan struct{} {
	return d.earlyExit
}

// RequestStop stops both streams concurrently (interrupt, then kill after
// StopGrace) and returns once both have reached a terminal state. The total
// bound is about one grace period, not two. Idempotent.
func (d *Dual) RequestStop() error {
	d.mu.Lock()
	if d.state != DualBothRunning {
		d.mu.Unlock()
		return nil
	}
	d.state = DualStopping
	d.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, r := range []Session{d.mic, d.monitor} {
		wg.Add(1)
		go func(i int, r Session) {
			defer wg.Done()
			errs[i] = r.Stop(StopGrace)
		}(i, r)
	}
	wg.Wait()
	<-d.superviseDone

	d.setState(DualStopped)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// State returns the current orchestrator state.
func (d *Dual) State() DualState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dual) setState(s DualState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}
