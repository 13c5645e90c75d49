// Package geometry maps well-plate grid indices onto stage coordinates.
//
// A plate is located on the stage by four user-captured corner wells. The
// plate may sit rotated or slightly trapezoidal relative to the stage axes,
// so positions are derived by a bilinear blend of the four corners rather
// than by assuming an axis-aligned grid.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Point is a stage coordinate in millimetres. Z carries the focus height
// captured with each corner and is blended the same way as X and Y.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Point) vec() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// Distance returns the Euclidean distance between two points including Z.
func (p Point) Distance(q Point) float64 {
	dz := p.Z - q.Z
	d := r2.Sub(p.vec(), q.vec())
	return math.Sqrt(d.X*d.X + d.Y*d.Y + dz*dz)
}

// Corners holds the four captured corner wells of the plate. For a 6x8 plate
// these are wells A1, A8, F1 and F8, captured in the jog interface.
type Corners struct {
	TopLeft     Point `json:"top_left"`
	TopRight    Point `json:"top_right"`
	BottomLeft  Point `json:"bottom_left"`
	BottomRight Point `json:"bottom_right"`
}

func (c Corners) points() [4]Point {
	return [4]Point{c.TopLeft, c.TopRight, c.BottomLeft, c.BottomRight}
}

// InvalidGeometryError reports a corner set that cannot locate a plate:
// corners too close together or three corners on a line.
type InvalidGeometryError struct {
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return "invalid plate geometry: " + e.Reason
}

// collinearSine is the sine-of-angle threshold below which three corners are
// treated as collinear. Corner capture happens by eye on a jogged stage, so
// the tolerance is loose in absolute terms but far below any real plate skew.
const collinearSine = 1e-6

var cornerNames = [4]string{"top-left", "top-right", "bottom-left", "bottom-right"}

// Validate checks that the corners describe a usable plate placement. Every
// pair of corners must be at least minSeparation millimetres apart and no
// three corners may be collinear.
func Validate(c Corners, minSeparation float64) error {
	pts := c.points()

	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if pts[i].Distance(pts[j]) < minSeparation {
				return &InvalidGeometryError{
					Reason: cornerNames[i] + " and " + cornerNames[j] + " corners are closer than the minimum separation",
				}
			}
		}
	}

	// Check every triple for collinearity using the cross product of the two
	// edge vectors. The magnitude is normalised by the edge lengths so the
	// test is scale independent.
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				ab := r2.Sub(pts[j].vec(), pts[i].vec())
				ac := r2.Sub(pts[k].vec(), pts[i].vec())
				area := math.Abs(r2.Cross(ab, ac))
				if area <= collinearSine*r2.Norm(ab)*r2.Norm(ac) {
					return &InvalidGeometryError{
						Reason: cornerNames[i] + ", " + cornerNames[j] + " and " + cornerNames[k] + " corners are collinear",
					}
				}
			}
		}
	}

	return nil
}

// Mapping resolves (row, col) grid indices to stage coordinates for one
// plate placement. A Mapping is immutable; recompute it whenever the corners
// or the layout change.
type Mapping struct {
	corners Corners
	rows    int
	cols    int
}

// Resolve validates the corners and builds a Mapping for a rows x cols grid.
func Resolve(c Corners, rows, cols int, minSeparation float64) (*Mapping, error) {
	if rows < 1 || cols < 1 {
		return nil, &InvalidGeometryError{Reason: "layout must have at least one row and one column"}
	}
	if err := Validate(c, minSeparation); err != nil {
		return nil, err
	}
	return &Mapping{corners: c, rows: rows, cols: cols}, nil
}

// Rows returns the number of grid rows the mapping covers.
func (m *Mapping) Rows() int { return m.rows }

// Cols returns the number of grid columns the mapping covers.
func (m *Mapping) Cols() int { return m.cols }

// Corners returns the corner set the mapping was resolved from.
func (m *Mapping) Corners() Corners { return m.corners }

// At returns the stage position of the well at (row, col). Row 0 is the top
// edge (TopLeft to TopRight); column 0 is the left edge. A single-row or
// single-column grid collapses that axis to the corresponding edge.
func (m *Mapping) At(row, col int) Point {
	u := 0.0
	if m.cols > 1 {
		u = float64(col) / float64(m.cols-1)
	}
	v := 0.0
	if m.rows > 1 {
		v = float64(row) / float64(m.rows-1)
	}

	left := lerp(m.corners.TopLeft, m.corners.BottomLeft, v)
	right := lerp(m.corners.TopRight, m.corners.BottomRight, v)
	return lerp(left, right, u)
}

func lerp(a, b Point, t float64) Point {
	xy := r2.Add(r2.Scale(1-t, a.vec()), r2.Scale(t, b.vec()))
	return Point{
		X: xy.X,
		Y: xy.Y,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}
