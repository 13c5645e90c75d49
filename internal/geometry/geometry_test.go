package geometry

import (
	"errors"
	"math"
	"testing"
)

func square(size float64) Corners {
	return Corners{
		TopLeft:     Point{X: 0, Y: 0},
		TopRight:    Point{X: size, Y: 0},
		BottomLeft:  Point{X: 0, Y: size},
		BottomRight: Point{X: size, Y: size},
	}
}

func almostEqual(a, b Point) bool {
	const eps = 1e-9
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps && math.Abs(a.Z-b.Z) < eps
}

func TestResolveCornersMapBack(t *testing.T) {
	// A rotated, skewed quadrilateral: the four grid corners must map back to
	// exactly the captured corner positions.
	c := Corners{
		TopLeft:     Point{X: 12.5, Y: 40.0, Z: 1.0},
		TopRight:    Point{X: 75.2, Y: 43.1, Z: 1.2},
		BottomLeft:  Point{X: 10.9, Y: 86.4, Z: 0.8},
		BottomRight: Point{X: 73.0, Y: 89.9, Z: 1.1},
	}
	m, err := Resolve(c, 6, 8, 1.0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	cases := []struct {
		row, col int
		want     Point
	}{
		{0, 0, c.TopLeft},
		{0, 7, c.TopRight},
		{5, 0, c.BottomLeft},
		{5, 7, c.BottomRight},
	}
	for _, tc := range cases {
		got := m.At(tc.row, tc.col)
		if !almostEqual(got, tc.want) {
			t.Errorf("At(%d,%d) = %+v, want %+v", tc.row, tc.col, got, tc.want)
		}
	}
}

func TestMappingInteriorBlend(t *testing.T) {
	m, err := Resolve(square(10), 3, 3, 1.0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := m.At(1, 1)
	if !almostEqual(got, Point{X: 5, Y: 5}) {
		t.Errorf("centre well = %+v, want (5,5)", got)
	}
}

func TestMappingZBlend(t *testing.T) {
	c := square(10)
	c.TopLeft.Z = 0
	c.TopRight.Z = 2
	c.BottomLeft.Z = 4
	c.BottomRight.Z = 6
	m, err := Resolve(c, 3, 3, 1.0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := m.At(1, 1).Z; math.Abs(got-3) > 1e-9 {
		t.Errorf("centre Z = %g, want 3", got)
	}
}

func TestMappingSingleRowCollapses(t *testing.T) {
	c := square(10)
	m, err := Resolve(c, 1, 4, 1.0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// With one row every well sits on the top edge.
	for col := 0; col < 4; col++ {
		if got := m.At(0, col).Y; math.Abs(got) > 1e-9 {
			t.Errorf("col %d Y = %g, want 0", col, got)
		}
	}
	if got := m.At(0, 3); !almostEqual(got, c.TopRight) {
		t.Errorf("last well = %+v, want top-right %+v", got, c.TopRight)
	}
}

func TestValidateRejectsCloseCorners(t *testing.T) {
	c := square(10)
	c.TopRight = Point{X: 0.2, Y: 0} // 0.2mm from top-left
	err := Validate(c, 1.0)
	var ig *InvalidGeometryError
	if !errors.As(err, &ig) {
		t.Fatalf("Validate = %v, want InvalidGeometryError", err)
	}
}

func TestValidateRejectsCollinearCorners(t *testing.T) {
	c := Corners{
		TopLeft:     Point{X: 0, Y: 0},
		TopRight:    Point{X: 10, Y: 0},
		BottomLeft:  Point{X: 20, Y: 0}, // on the top edge's line
		BottomRight: Point{X: 10, Y: 10},
	}
	err := Validate(c, 1.0)
	var ig *InvalidGeometryError
	if !errors.As(err, &ig) {
		t.Fatalf("Validate = %v, want InvalidGeometryError", err)
	}
}

func TestValidateAcceptsRotatedPlate(t *testing.T) {
	// 30 degree rotation of a 60x40 plate.
	sin, cos := math.Sin(math.Pi/6), math.Cos(math.Pi/6)
	rot := func(x, y float64) Point {
		return Point{X: x*cos - y*sin, Y: x*sin + y*cos}
	}
	c := Corners{
		TopLeft:     rot(0, 0),
		TopRight:    rot(60, 0),
		BottomLeft:  rot(0, 40),
		BottomRight: rot(60, 40),
	}
	if err := Validate(c, 1.0); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestResolveRejectsEmptyLayout(t *testing.T) {
	if _, err := Resolve(square(10), 0, 8, 1.0); err == nil {
		t.Fatal("Resolve accepted zero rows")
	}
	if _, err := Resolve(square(10), 6, 0, 1.0); err == nil {
		t.Fatal("Resolve accepted zero columns")
	}
}
