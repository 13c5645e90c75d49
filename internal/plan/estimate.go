package plan

import (
	"fmt"
	"math"
	"time"
)

// Kinematics holds the stage motion limits used for time estimation. Feed
// rate is in mm/min as G-code expresses it; acceleration in mm/s^2.
// TypicalLeg is the nominal well-to-well spacing in mm used to size the
// acceleration penalty.
type Kinematics struct {
	FeedRate     float64
	Acceleration float64
	TypicalLeg   float64
}

// AccelPenalty approximates the time lost per leg to acceleration and
// deceleration ramps under a trapezoidal velocity profile. It depends only
// on the acceleration limit and the typical leg length, not on the feed
// rate, so faster feeds always shorten the estimate.
func (k Kinematics) AccelPenalty() time.Duration {
	if k.Acceleration <= 0 || k.TypicalLeg <= 0 {
		return 0
	}
	seconds := math.Sqrt(k.TypicalLeg / k.Acceleration)
	return time.Duration(seconds * float64(time.Second))
}

// Estimate is the timing breakdown for one traversal of a plan.
type Estimate struct {
	Legs   []time.Duration `json:"legs"`
	Travel time.Duration   `json:"travel"`
	Dwell  time.Duration   `json:"dwell"`
	Total  time.Duration   `json:"total"`
}

// EstimateTravel computes per-leg and total durations for the plan. Each leg
// costs its Euclidean distance at the cruise feed rate plus the constant
// acceleration penalty; zero-length legs cost nothing. Dwell is charged once
// per well on top of travel.
func EstimateTravel(p *Plan, kin Kinematics, dwellPerWell time.Duration) (Estimate, error) {
	if p == nil || len(p.Wells) == 0 {
		return Estimate{}, fmt.Errorf("cannot estimate an empty plan")
	}
	if kin.FeedRate <= 0 {
		return Estimate{}, fmt.Errorf("feed rate must be positive, got %v", kin.FeedRate)
	}
	if dwellPerWell < 0 {
		return Estimate{}, fmt.Errorf("dwell must not be negative, got %v", dwellPerWell)
	}

	cruise := kin.FeedRate / 60.0 // mm/s
	penalty := kin.AccelPenalty()

	est := Estimate{Legs: make([]time.Duration, 0, len(p.Wells)-1)}
	for i := 1; i < len(p.Wells); i++ {
		dist := p.Wells[i-1].Pos.Distance(p.Wells[i].Pos)
		if !isFinite(dist) {
			return Estimate{}, fmt.Errorf("non-finite leg distance between %s and %s", p.Wells[i-1].Label, p.Wells[i].Label)
		}

		var leg time.Duration
		if dist > 0 {
			leg = time.Duration(dist/cruise*float64(time.Second)) + penalty
		}
		est.Legs = append(est.Legs, leg)
		est.Travel += leg
	}

	est.Dwell = time.Duration(p.Layout.Wells()) * dwellPerWell
	est.Total = est.Travel + est.Dwell
	return est, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
