package gcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/platescan/internal/geometry"
	"github.com/banshee-data/platescan/internal/monitoring"
)

var logf = monitoring.Prefixed("printer")

var (
	// ErrWriteFailed reports a short write to the serial port.
	ErrWriteFailed = errors.New("failed to write full command to serial port")

	// ErrAckTimeout reports that the board never acknowledged a command
	// within the configured window. Callers may retry the command.
	ErrAckTimeout = errors.New("timed out waiting for printer acknowledgement")
)

const (
	defaultAckTimeout    = 10 * time.Second
	defaultHomingTimeout = 30 * time.Second
)

// Config holds the printer-side motion settings applied at setup and used
// when formatting move commands.
type Config struct {
	FeedRate      float64 // mm/min, appended to G1 moves
	Acceleration  float64 // mm/s^2, sent via M201
	Jerk          float64 // mm/s, sent via M205
	AxisLimit     float64 // mm, per-axis clamp; 0 disables the upper clamp
	AckTimeout    time.Duration
	HomingTimeout time.Duration
}

func (c Config) ackTimeout() time.Duration {
	if c.AckTimeout > 0 {
		return c.AckTimeout
	}
	return defaultAckTimeout
}

func (c Config) homingTimeout() time.Duration {
	if c.HomingTimeout > 0 {
		return c.HomingTimeout
	}
	return defaultHomingTimeout
}

// Printer is the single shared hardware channel. Command/acknowledgement
// cycles are serialised through an internal mutex; Monitor must be running
// for acknowledgements to be observed. Position tracking is open loop: it is
// updated when a move is acknowledged, never read back from the board.
type Printer struct {
	port Porter
	cfg  Config

	commandMu sync.Mutex // one command/ack cycle at a time
	writeMu   sync.Mutex // raw writes may not interleave

	waiterMu sync.Mutex
	waiter   chan string // non-nil while a Send is waiting for its ack

	posMu sync.Mutex
	pos   geometry.Point
}

// NewPrinter wraps an open port. The caller keeps ownership of cfg; the
// printer never mutates it.
func NewPrinter(port Porter, cfg Config) *Printer {
	return &Printer{port: port, cfg: cfg}
}

// Monitor reads lines from the board until the context is cancelled or the
// port fails. Lines arriving while a Send is waiting are routed to it;
// anything else (temperature reports, SD chatter) is logged and dropped.
func (p *Printer) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(p.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop can
	// honour context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return nil
			}
			p.waiterMu.Lock()
			waiter := p.waiter
			p.waiterMu.Unlock()
			if waiter != nil {
				select {
				case waiter <- line:
				default:
					// the waiter has already returned; drop the line
				}
				continue
			}
			logf("%s", line)
		}
	}
}

// Send writes one command line and blocks until the board answers with a
// line containing "ok", answers with an error, the timeout elapses, or the
// context is cancelled. Homing commands get the longer homing timeout.
func (p *Printer) Send(ctx context.Context, command string) error {
	p.commandMu.Lock()
	defer p.commandMu.Unlock()

	ch := make(chan string, 8)
	p.setWaiter(ch)
	defer p.setWaiter(nil)

	if err := p.writeLine(command); err != nil {
		return err
	}

	timeout := p.cfg.ackTimeout()
	if strings.HasPrefix(command, "G28") {
		timeout = p.cfg.homingTimeout()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line := <-ch:
			low := strings.ToLower(line)
			if strings.Contains(low, "error") {
				return fmt.Errorf("printer rejected %q: %s", command, line)
			}
			if strings.Contains(low, "ok") {
				return nil
			}
			// informational line (busy, echo); keep waiting

		case <-timer.C:
			return fmt.Errorf("no acknowledgement for %q within %v: %w", command, timeout, ErrAckTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Printer) setWaiter(ch chan string) {
	p.waiterMu.Lock()
	p.waiter = ch
	p.waiterMu.Unlock()
}

func (p *Printer) writeLine(command string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	data := []byte(command + "\n")
	n, err := p.port.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return ErrWriteFailed
	}
	return nil
}

// Setup applies the acceleration and jerk limits. The original controller
// firmware expects these once after connecting, before any moves.
func (p *Printer) Setup(ctx context.Context) error {
	accel := fmt.Sprintf("M201 X%g Y%g Z%g", p.cfg.Acceleration, p.cfg.Acceleration, p.cfg.Acceleration)
	if err := p.Send(ctx, accel); err != nil {
		return fmt.Errorf("failed to set acceleration: %w", err)
	}
	jerk := fmt.Sprintf("M205 X%g Y%g Z%g", p.cfg.Jerk, p.cfg.Jerk, p.cfg.Jerk)
	if err := p.Send(ctx, jerk); err != nil {
		return fmt.Errorf("failed to set jerk: %w", err)
	}
	return nil
}

// MoveTo issues an absolute G1 move and waits for its acknowledgement.
// Coordinates are clamped to the machine envelope: never below zero, and
// never above the configured axis limit.
func (p *Printer) MoveTo(ctx context.Context, target geometry.Point) error {
	clamped := geometry.Point{
		X: p.clampAxis(target.X),
		Y: p.clampAxis(target.Y),
		Z: p.clampAxis(target.Z),
	}

	command := fmt.Sprintf("G1 X%.3f Y%.3f Z%.3f F%g", clamped.X, clamped.Y, clamped.Z, p.cfg.FeedRate)
	if err := p.Send(ctx, command); err != nil {
		return err
	}

	p.posMu.Lock()
	p.pos = clamped
	p.posMu.Unlock()
	return nil
}

func (p *Printer) clampAxis(v float64) float64 {
	if v < 0 {
		return 0
	}
	if p.cfg.AxisLimit > 0 && v > p.cfg.AxisLimit {
		return p.cfg.AxisLimit
	}
	return v
}

// Home homes all axes and re-zeroes the tracked position, then parks the
// head at the origin so the next move starts from a known point.
func (p *Printer) Home(ctx context.Context) error {
	if err := p.Send(ctx, "G28"); err != nil {
		return fmt.Errorf("homing failed: %w", err)
	}

	p.posMu.Lock()
	p.pos = geometry.Point{}
	p.posMu.Unlock()

	return p.MoveTo(ctx, geometry.Point{})
}

// EnableSteppers powers the stepper motors.
func (p *Printer) EnableSteppers(ctx context.Context) error {
	return p.Send(ctx, "M17")
}

// DisableSteppers releases the stepper motors.
func (p *Printer) DisableSteppers(ctx context.Context) error {
	return p.Send(ctx, "M84")
}

// Stop issues an immediate M410 quick-stop without waiting for an
// acknowledgement. It deliberately bypasses the command mutex so an abort
// can preempt a Send that is still waiting for its ack.
func (p *Printer) Stop() error {
	return p.writeLine("M410")
}

// Position returns the open-loop position tracked from acknowledged moves.
func (p *Printer) Position() geometry.Point {
	p.posMu.Lock()
	defer p.posMu.Unlock()
	return p.pos
}

// Close closes the underlying port.
func (p *Printer) Close() error {
	return p.port.Close()
}
