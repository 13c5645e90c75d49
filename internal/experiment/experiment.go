// Package experiment repeats a plan traversal on a schedule, capturing an
// image at every well. It owns file naming and run bookkeeping; image
// acquisition itself is behind the Camera interface.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/platescan/internal/monitoring"
	"github.com/banshee-data/platescan/internal/plan"
	"github.com/banshee-data/platescan/internal/rundb"
	"github.com/banshee-data/platescan/internal/sequencer"
)

var logf = monitoring.Prefixed("experiment")

// Camera acquires one image into dest. Implementations live outside this
// core; StubCamera stands in for tests and -dev mode.
type Camera interface {
	Capture(ctx context.Context, dest string) error
}

// StubCamera writes an empty file per capture so the rest of the pipeline
// (naming, bookkeeping) can be exercised without camera hardware.
type StubCamera struct{}

func (StubCamera) Capture(_ context.Context, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	return f.Close()
}

// Config describes one experiment: where images go, how files are named,
// and how long to keep iterating. A zero Duration means a single pass.
type Config struct {
	Folder   string
	Prefix   string
	Duration time.Duration
	ImageExt string // without dot; defaults to "jpg"
}

func (c Config) imageExt() string {
	if c.ImageExt == "" {
		return "jpg"
	}
	return c.ImageExt
}

// Runner drives repeated traversals of a plan through the sequencer.
type Runner struct {
	seq *sequencer.Sequencer
	cam Camera
	db  *rundb.DB // optional; nil disables bookkeeping
	cfg Config
}

// NewRunner assembles an experiment runner. db may be nil.
func NewRunner(seq *sequencer.Sequencer, cam Camera, db *rundb.DB, cfg Config) *Runner {
	return &Runner{seq: seq, cam: cam, db: db, cfg: cfg}
}

// Run traverses the plan repeatedly until the configured duration elapses,
// the context is cancelled, or a traversal fails. Each well image is named
// <prefix>_Well_<label>_<iteration>.<ext>, the scheme the original
// instrument used.
func (r *Runner) Run(ctx context.Context, p *plan.Plan, onProgress sequencer.ProgressFunc) error {
	if r.cfg.Folder == "" {
		return fmt.Errorf("experiment folder must be set")
	}
	if r.cfg.Prefix == "" {
		return fmt.Errorf("experiment file prefix must be set")
	}
	if err := os.MkdirAll(r.cfg.Folder, 0o755); err != nil {
		return fmt.Errorf("failed to create experiment folder: %w", err)
	}

	deadline := time.Time{}
	if r.cfg.Duration > 0 {
		deadline = time.Now().Add(r.cfg.Duration)
	}

	// The run record is created once the sequencer admits the first pass, so
	// an experiment that loses the sequencer to another caller records
	// nothing.
	var runID string
	for iteration := 1; ; iteration++ {
		opts := sequencer.RunOptions{
			OnProgress: onProgress,
			Capture: func(ctx context.Context, w plan.Well) error {
				return r.captureWell(ctx, runID, iteration, w)
			},
		}
		if r.db != nil && iteration == 1 {
			opts.OnAccepted = func() {
				id, err := r.db.CreateRun(p.Layout.Rows, p.Layout.Cols)
				if err != nil {
					logf("failed to create run record: %v", err)
					return
				}
				runID = id
			}
		}

		err := r.seq.Run(ctx, p, opts)
		if err != nil {
			if errors.Is(err, sequencer.ErrBusy) {
				return err
			}
			outcome := "failed"
			if errors.Is(err, sequencer.ErrAborted) {
				outcome = "aborted"
			}
			r.finish(runID, outcome)
			return err
		}

		if deadline.IsZero() || !time.Now().Before(deadline) {
			break
		}
		logf("iteration %d complete, next pass starting", iteration)
	}

	r.finish(runID, "completed")
	return nil
}

func (r *Runner) captureWell(ctx context.Context, runID string, iteration int, w plan.Well) error {
	name := fmt.Sprintf("%s_Well_%s_%d.%s", r.cfg.Prefix, w.Label, iteration, r.cfg.imageExt())
	dest := filepath.Join(r.cfg.Folder, name)

	if err := r.cam.Capture(ctx, dest); err != nil {
		return err
	}

	if r.db != nil {
		err := r.db.RecordCapture(rundb.Capture{
			RunID:     runID,
			Well:      w.Label,
			Iteration: iteration,
			X:         w.Pos.X,
			Y:         w.Pos.Y,
			Z:         w.Pos.Z,
			File:      dest,
		})
		if err != nil {
			logf("failed to record capture for %s: %v", w.Label, err)
		}
	}
	return nil
}

func (r *Runner) finish(runID, outcome string) {
	if r.db == nil || runID == "" {
		return
	}
	if err := r.db.FinishRun(runID, outcome); err != nil {
		logf("failed to finish run %s: %v", runID, err)
	}
}
