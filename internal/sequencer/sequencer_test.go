package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/platescan/internal/gcode"
	"github.com/banshee-data/platescan/internal/geometry"
	"github.com/banshee-data/platescan/internal/plan"
)

// fakeDriver scripts per-move outcomes. moveErr[i] is returned for the i-th
// MoveTo call; past the script every move succeeds.
type fakeDriver struct {
	mu       sync.Mutex
	moveErr  []error
	moves    []geometry.Point
	stops    int
	moveHook func(call int) // runs before the scripted result is returned
	block    chan struct{}  // non-nil: MoveTo waits here or for ctx
}

func (d *fakeDriver) MoveTo(ctx context.Context, target geometry.Point) error {
	d.mu.Lock()
	call := len(d.moves)
	d.moves = append(d.moves, target)
	hook := d.moveHook
	block := d.block
	var err error
	if call < len(d.moveErr) {
		err = d.moveErr[call]
	}
	d.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *fakeDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDriver) moveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.moves)
}

func (d *fakeDriver) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

func threeWellPlan(t *testing.T) *plan.Plan {
	t.Helper()
	m, err := geometry.Resolve(geometry.Corners{
		TopLeft:     geometry.Point{X: 0, Y: 0},
		TopRight:    geometry.Point{X: 20, Y: 0},
		BottomLeft:  geometry.Point{X: 0, Y: 10},
		BottomRight: geometry.Point{X: 20, Y: 10},
	}, 1, 3, 1.0)
	require.NoError(t, err)
	p, err := plan.Generate(m, plan.Serpentine)
	require.NoError(t, err)
	return p
}

func ackTimeout(i int) error {
	return fmt.Errorf("no acknowledgement for move %d: %w", i, gcode.ErrAckTimeout)
}

func TestRunVisitsEveryWellInOrder(t *testing.T) {
	d := &fakeDriver{}
	s := New(d, Config{MaxRetries: 3})
	p := threeWellPlan(t)

	var states []State
	err := s.Run(context.Background(), p, RunOptions{
		OnProgress: func(pr Progress) { states = append(states, pr.State) },
	})
	require.NoError(t, err)

	require.Equal(t, 3, d.moveCount())
	for i, w := range p.Wells {
		assert.Equal(t, w.Pos, d.moves[i], "move %d", i)
	}

	want := []State{
		StateSending, StateAwaitingAck, StateAdvancing,
		StateSending, StateAwaitingAck, StateAdvancing,
		StateSending, StateAwaitingAck, StateCompleted,
	}
	assert.Equal(t, want, states)
	assert.Equal(t, 0, d.stopCount())
	assert.Equal(t, StateCompleted, s.Status().State)
	assert.False(t, s.Active())
}

func TestRunRetriesTimedOutMove(t *testing.T) {
	d := &fakeDriver{moveErr: []error{nil, ackTimeout(1), ackTimeout(1), nil, nil}}
	s := New(d, Config{MaxRetries: 3})

	var retries []Progress
	err := s.Run(context.Background(), threeWellPlan(t), RunOptions{
		OnProgress: func(pr Progress) {
			if pr.State == StateRetrying {
				retries = append(retries, pr)
			}
		},
	})
	require.NoError(t, err)

	// Well 1 took three attempts; wells 0 and 2 one each.
	assert.Equal(t, 5, d.moveCount())
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Index)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
}

func TestRunFailsAfterRetryBudget(t *testing.T) {
	// Well 1 never acks: first send plus two retries, then failure.
	d := &fakeDriver{moveErr: []error{nil, ackTimeout(1), ackTimeout(1), ackTimeout(1)}}
	s := New(d, Config{MaxRetries: 2})

	err := s.Run(context.Background(), threeWellPlan(t), RunOptions{})

	var hw *HardwareTimeoutError
	require.ErrorAs(t, err, &hw)
	assert.Equal(t, 1, hw.Index)
	assert.Equal(t, 3, hw.Attempts)

	// Well 2 was never attempted and the board was stopped exactly once.
	assert.Equal(t, 4, d.moveCount())
	assert.Equal(t, 1, d.stopCount())
	assert.Equal(t, StateFailed, s.Status().State)
	assert.False(t, s.Active())
}

func TestRunSurfacesHardErrors(t *testing.T) {
	boardErr := errors.New("printer rejected command")
	d := &fakeDriver{moveErr: []error{boardErr}}
	s := New(d, Config{MaxRetries: 3})

	err := s.Run(context.Background(), threeWellPlan(t), RunOptions{})
	require.ErrorIs(t, err, boardErr)

	// A hard rejection is not retried.
	assert.Equal(t, 1, d.moveCount())
	assert.Equal(t, 1, d.stopCount())
	assert.Equal(t, StateFailed, s.Status().State)
}

func TestAbortDuringMove(t *testing.T) {
	d := &fakeDriver{block: make(chan struct{})}
	s := New(d, Config{MaxRetries: 3})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), threeWellPlan(t), RunOptions{}) }()

	require.Eventually(t, func() bool { return d.moveCount() == 1 },
		time.Second, 5*time.Millisecond, "run never issued its first move")

	s.Abort()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("run did not return after abort")
	}

	assert.Equal(t, 1, d.stopCount(), "abort must stop the board exactly once")
	assert.Equal(t, 1, d.moveCount(), "no further wells after abort")
	assert.Equal(t, StateAborted, s.Status().State)
	assert.False(t, s.Active())
}

func TestAbortDuringDwell(t *testing.T) {
	d := &fakeDriver{}
	s := New(d, Config{MaxRetries: 3, Dwell: 10 * time.Second})

	d.moveHook = func(call int) {
		if call == 0 {
			// Abort once the first well's dwell starts.
			go func() {
				time.Sleep(20 * time.Millisecond)
				s.Abort()
			}()
		}
	}

	err := s.Run(context.Background(), threeWellPlan(t), RunOptions{})
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 1, d.moveCount())
	assert.Equal(t, 1, d.stopCount())
}

func TestContextCancelIsAbort(t *testing.T) {
	d := &fakeDriver{block: make(chan struct{})}
	s := New(d, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, threeWellPlan(t), RunOptions{}) }()

	require.Eventually(t, func() bool { return d.moveCount() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 1, d.stopCount())
}

func TestOnAcceptedFiresOnlyForAdmittedRun(t *testing.T) {
	d := &fakeDriver{block: make(chan struct{})}
	s := New(d, Config{})
	p := threeWellPlan(t)

	var accepted int
	firstMove := make(chan struct{})
	d.moveHook = func(call int) {
		if call == 0 {
			assert.Equal(t, 1, accepted, "first move issued before OnAccepted fired")
			close(firstMove)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), p, RunOptions{
			OnAccepted: func() { accepted++ },
		})
	}()

	select {
	case <-firstMove:
	case <-time.After(time.Second):
		t.Fatal("run never issued its first move")
	}

	// The losing caller gets ErrBusy and its callback never fires.
	busyAccepted := false
	err := s.Run(context.Background(), p, RunOptions{
		OnAccepted: func() { busyAccepted = true },
	})
	require.ErrorIs(t, err, ErrBusy)
	assert.False(t, busyAccepted, "OnAccepted fired for a rejected run")

	s.Abort()
	<-done
	assert.Equal(t, 1, accepted, "OnAccepted fired more than once")
}

func TestSecondRunIsBusy(t *testing.T) {
	d := &fakeDriver{block: make(chan struct{})}
	s := New(d, Config{})
	p := threeWellPlan(t)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), p, RunOptions{}) }()

	require.Eventually(t, func() bool { return s.Active() }, time.Second, 5*time.Millisecond)

	before := s.Status()
	err := s.Run(context.Background(), p, RunOptions{})
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, before, s.Status(), "rejected run must not touch progress")

	s.Abort()
	<-done
}

func TestCaptureWaitsForSettleDwell(t *testing.T) {
	d := &fakeDriver{}
	const dwell = 100 * time.Millisecond
	s := New(d, Config{Dwell: dwell})

	var ackTimes []time.Time
	d.moveHook = func(call int) { ackTimes = append(ackTimes, time.Now()) }

	var captureTimes []time.Time
	err := s.Run(context.Background(), threeWellPlan(t), RunOptions{
		Capture: func(ctx context.Context, w plan.Well) error {
			captureTimes = append(captureTimes, time.Now())
			return nil
		},
	})
	require.NoError(t, err)

	require.Len(t, captureTimes, 3)
	for i := range captureTimes {
		settled := captureTimes[i].Sub(ackTimes[i])
		assert.GreaterOrEqual(t, settled, dwell,
			"well %d captured %v after move ack, before the settle dwell", i, settled)
	}
}

func TestCaptureHookRunsPerWell(t *testing.T) {
	d := &fakeDriver{}
	s := New(d, Config{})
	p := threeWellPlan(t)

	var labels []string
	err := s.Run(context.Background(), p, RunOptions{
		Capture: func(ctx context.Context, w plan.Well) error {
			labels = append(labels, w.Label)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2", "A3"}, labels)
}

func TestCaptureFailureStopsRun(t *testing.T) {
	d := &fakeDriver{}
	s := New(d, Config{})

	camErr := errors.New("camera offline")
	err := s.Run(context.Background(), threeWellPlan(t), RunOptions{
		Capture: func(ctx context.Context, w plan.Well) error {
			if w.Label == "A2" {
				return camErr
			}
			return nil
		},
	})
	require.ErrorIs(t, err, camErr)
	assert.Equal(t, 2, d.moveCount())
	assert.Equal(t, 1, d.stopCount())
}

func TestRunRejectsEmptyPlan(t *testing.T) {
	s := New(&fakeDriver{}, Config{})
	assert.Error(t, s.Run(context.Background(), nil, RunOptions{}))
	assert.Error(t, s.Run(context.Background(), &plan.Plan{}, RunOptions{}))
}
