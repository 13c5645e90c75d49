// Package sequencer walks a path plan one well at a time, issuing motion
// commands to the hardware channel and advancing on acknowledgement. The run
// is modelled as an explicit state machine so timeout, retry and abort
// interleavings stay testable.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/platescan/internal/gcode"
	"github.com/banshee-data/platescan/internal/geometry"
	"github.com/banshee-data/platescan/internal/monitoring"
	"github.com/banshee-data/platescan/internal/plan"
)

var logf = monitoring.Prefixed("sequencer")

// State is the lifecycle state of a run, reported on every transition.
type State string

const (
	StateIdle        State = "idle"         // no command outstanding
	StateSending     State = "sending"      // translating a well into a motion command
	StateAwaitingAck State = "awaiting_ack" // waiting for the board's move-complete ack
	StateAdvancing   State = "advancing"    // ack received, moving to the next well
	StateRetrying    State = "retrying"     // ack timed out, resending the same well
	StateCompleted   State = "completed"    // terminal: every well visited
	StateFailed      State = "failed"       // terminal: retries exhausted or hard error
	StateAborted     State = "aborted"      // terminal: user cancelled
)

var (
	// ErrBusy rejects a run request while another run is active. The stage
	// cannot honour interleaved motion commands, so the second caller gets
	// an immediate error and no state is touched.
	ErrBusy = errors.New("a run is already active on this sequencer")

	// ErrAborted is the terminal outcome of a user-cancelled run. It is a
	// distinct outcome, not a hardware failure.
	ErrAborted = errors.New("run aborted")
)

// HardwareTimeoutError reports that the board stopped acknowledging moves at
// a specific well even after retries. The plan index is preserved so the
// operator can inspect or resume.
type HardwareTimeoutError struct {
	Index    int // 0-based position in the plan
	Attempts int // total attempts made, including the first send
}

func (e *HardwareTimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgement for well index %d after %d attempts", e.Index, e.Attempts)
}

// Driver is the hardware channel contract: a blocking move that resolves to
// ack-or-timeout, and an immediate stop that can preempt a waiting move.
// *gcode.Printer implements it.
type Driver interface {
	MoveTo(ctx context.Context, target geometry.Point) error
	Stop() error
}

// Progress is delivered to the caller on every state transition.
type Progress struct {
	Index   int   `json:"index"`
	State   State `json:"state"`
	Attempt int   `json:"attempt"`
	Wells   int   `json:"wells"`
}

// ProgressFunc observes state transitions. It must not block for long: it is
// called inline from the run goroutine.
type ProgressFunc func(Progress)

// CaptureFunc runs at each well once the move is acknowledged and the settle
// dwell has elapsed. The experiment layer uses it to trigger the camera.
type CaptureFunc func(ctx context.Context, well plan.Well) error

// RunOptions carries the per-run callbacks.
type RunOptions struct {
	// OnAccepted fires once the run has been admitted, before the first
	// move. A run rejected with ErrBusy never fires it, so bookkeeping tied
	// to it (run records) cannot leak from a losing caller.
	OnAccepted func()
	OnProgress ProgressFunc
	Capture    CaptureFunc
}

// Config bounds the retry and dwell behaviour of a run.
type Config struct {
	MaxRetries int           // resends after the first unacknowledged attempt
	Dwell      time.Duration // imaging/settle pause at each well
}

// Sequencer owns the hardware channel for the duration of a run. At most one
// run is active at a time.
type Sequencer struct {
	driver Driver
	cfg    Config

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	last   Progress
}

// New creates a sequencer over the given hardware channel.
func New(driver Driver, cfg Config) *Sequencer {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Sequencer{
		driver: driver,
		cfg:    cfg,
		last:   Progress{Index: 0, State: StateIdle},
	}
}

// Active reports whether a run is in flight.
func (s *Sequencer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status returns the most recent progress report, for pollers that do not
// subscribe to callbacks.
func (s *Sequencer) Status() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Abort cancels the active run, if any. The run goroutine sends the stop
// command and reports the aborted state before returning.
func (s *Sequencer) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the stage through every well of the plan in order. It blocks
// until the run reaches a terminal state and returns nil on completion,
// ErrAborted on cancellation, a *HardwareTimeoutError when the board stops
// acknowledging, or ErrBusy immediately if another run is active.
//
// Cancelling ctx is equivalent to calling Abort.
func (s *Sequencer) Run(ctx context.Context, p *plan.Plan, opts RunOptions) error {
	if p == nil || len(p.Wells) == 0 {
		return fmt.Errorf("cannot run an empty plan")
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.active = true
	s.cancel = cancel
	s.last = Progress{Index: 0, State: StateIdle, Wells: len(p.Wells)}
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.active = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	if opts.OnAccepted != nil {
		opts.OnAccepted()
	}

	report := func(index int, state State, attempt int) {
		pr := Progress{Index: index, State: state, Attempt: attempt, Wells: len(p.Wells)}
		s.mu.Lock()
		s.last = pr
		s.mu.Unlock()
		if opts.OnProgress != nil {
			opts.OnProgress(pr)
		}
	}

	// abort is the single exit path for cancellation, so exactly one stop
	// command reaches the board no matter which wait was interrupted.
	abort := func(index int) error {
		if err := s.driver.Stop(); err != nil {
			logf("stop command after abort failed: %v", err)
		}
		report(index, StateAborted, 0)
		return ErrAborted
	}

	// fail surfaces a hardware error, leaving the board stopped.
	fail := func(index, attempt int, cause error) error {
		if err := s.driver.Stop(); err != nil {
			logf("stop command after failure failed: %v", err)
		}
		report(index, StateFailed, attempt)
		return cause
	}

	for i, well := range p.Wells {
		if runCtx.Err() != nil {
			return abort(i)
		}
		for attempt := 0; ; attempt++ {
			report(i, StateSending, attempt)
			report(i, StateAwaitingAck, attempt)

			err := s.driver.MoveTo(runCtx, well.Pos)
			if err == nil {
				break
			}
			if runCtx.Err() != nil {
				return abort(i)
			}
			if errors.Is(err, gcode.ErrAckTimeout) {
				if attempt >= s.cfg.MaxRetries {
					return fail(i, attempt, &HardwareTimeoutError{Index: i, Attempts: attempt + 1})
				}
				report(i, StateRetrying, attempt+1)
				continue
			}
			return fail(i, attempt, fmt.Errorf("move to well %s failed: %w", well.Label, err))
		}

		// The board acks the move before vibration has died down, so the
		// settle dwell must elapse before the image is taken.
		if s.cfg.Dwell > 0 {
			timer := time.NewTimer(s.cfg.Dwell)
			select {
			case <-timer.C:
			case <-runCtx.Done():
				timer.Stop()
				return abort(i)
			}
		}

		if opts.Capture != nil {
			if err := opts.Capture(runCtx, well); err != nil {
				if runCtx.Err() != nil {
					return abort(i)
				}
				return fail(i, 0, fmt.Errorf("capture at well %s failed: %w", well.Label, err))
			}
		}

		if i+1 < len(p.Wells) {
			report(i+1, StateAdvancing, 0)
		}
	}

	report(len(p.Wells)-1, StateCompleted, 0)
	return nil
}
