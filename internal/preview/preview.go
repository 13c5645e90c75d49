// Package preview converts a path plan into drawable geometry for the GUI
// and offline tools. Build is a pure function over the plan; the renderers
// consume the drawing without touching sequencer or hardware state.
package preview

import (
	"github.com/banshee-data/platescan/internal/plan"
)

// XY is one drawable point in stage coordinates.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Drawing is an ordered set of points with connecting segments, one point
// per well in visit order.
type Drawing struct {
	Points   []XY     `json:"points"`
	Segments [][2]int `json:"segments"` // index pairs into Points
	Labels   []string `json:"labels"`
}

// Build maps the plan to its drawing. Point i is the i-th well visited;
// segment i connects visit i to visit i+1.
func Build(p *plan.Plan) Drawing {
	d := Drawing{
		Points:   make([]XY, 0, len(p.Wells)),
		Segments: make([][2]int, 0, max(len(p.Wells)-1, 0)),
		Labels:   make([]string, 0, len(p.Wells)),
	}
	for i, w := range p.Wells {
		d.Points = append(d.Points, XY{X: w.Pos.X, Y: w.Pos.Y})
		d.Labels = append(d.Labels, w.Label)
		if i > 0 {
			d.Segments = append(d.Segments, [2]int{i - 1, i})
		}
	}
	return d
}
