// Package plan turns a resolved plate geometry into an ordered imaging path
// and estimates how long the stage will take to traverse it.
package plan

import (
	"fmt"

	"github.com/banshee-data/platescan/internal/geometry"
)

// Layout describes the well grid of a plate. A standard 48-well plate is
// 6 rows (A-F) by 8 columns (1-8).
type Layout struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Wells returns the total number of wells in the layout.
func (l Layout) Wells() int { return l.Rows * l.Cols }

// Validate checks the layout has at least one row and one column.
func (l Layout) Validate() error {
	if l.Rows < 1 {
		return fmt.Errorf("layout rows must be positive, got %d", l.Rows)
	}
	if l.Cols < 1 {
		return fmt.Errorf("layout cols must be positive, got %d", l.Cols)
	}
	return nil
}

// Label returns the conventional well name for a grid index: rows are
// lettered A, B, ... and columns numbered from 1, so (0,0) is "A1". Plates
// past row Z double the letters (AA, AB, ...) the way spreadsheets do.
func Label(row, col int) string {
	letters := ""
	r := row
	for {
		letters = string(rune('A'+r%26)) + letters
		r = r/26 - 1
		if r < 0 {
			break
		}
	}
	return fmt.Sprintf("%s%d", letters, col+1)
}

// Well is one imaging stop: a grid index plus its resolved stage position.
type Well struct {
	Row   int            `json:"row"`
	Col   int            `json:"col"`
	Label string         `json:"label"`
	Pos   geometry.Point `json:"pos"`
}

// Plan is the ordered traversal of every well on the plate. It is built once
// by Generate and read by the estimator, the preview renderer and the
// sequencer; none of them mutate it.
type Plan struct {
	Layout Layout `json:"layout"`
	Wells  []Well `json:"wells"`
}

// GridIndex identifies one well by its grid coordinates.
type GridIndex struct {
	Row int
	Col int
}

// Strategy orders the wells of a rows x cols grid. It must return every
// index exactly once; Generate rejects orderings that do not.
type Strategy func(rows, cols int) []GridIndex

// Serpentine visits row 0 left to right, row 1 right to left, and so on.
// Reversing direction on alternate rows avoids the long return sweep of a
// plain raster and is the default traversal.
func Serpentine(rows, cols int) []GridIndex {
	order := make([]GridIndex, 0, rows*cols)
	for row := 0; row < rows; row++ {
		if row%2 == 0 {
			for col := 0; col < cols; col++ {
				order = append(order, GridIndex{Row: row, Col: col})
			}
		} else {
			for col := cols - 1; col >= 0; col-- {
				order = append(order, GridIndex{Row: row, Col: col})
			}
		}
	}
	return order
}

// Raster visits every row left to right. Kept for instruments whose capture
// pipeline assumes column-ascending order.
func Raster(rows, cols int) []GridIndex {
	order := make([]GridIndex, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			order = append(order, GridIndex{Row: row, Col: col})
		}
	}
	return order
}

// Generate builds the ordered plan for the mapping's grid. A nil strategy
// means Serpentine. The returned plan contains every (row, col) pair exactly
// once and is deterministic for identical inputs.
func Generate(m *geometry.Mapping, strategy Strategy) (*Plan, error) {
	layout := Layout{Rows: m.Rows(), Cols: m.Cols()}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if strategy == nil {
		strategy = Serpentine
	}

	order := strategy(layout.Rows, layout.Cols)
	if len(order) != layout.Wells() {
		return nil, fmt.Errorf("traversal strategy returned %d indices for a %d-well layout", len(order), layout.Wells())
	}

	seen := make(map[GridIndex]bool, len(order))
	wells := make([]Well, 0, len(order))
	for _, idx := range order {
		if idx.Row < 0 || idx.Row >= layout.Rows || idx.Col < 0 || idx.Col >= layout.Cols {
			return nil, fmt.Errorf("traversal strategy produced out-of-range index (%d,%d)", idx.Row, idx.Col)
		}
		if seen[idx] {
			return nil, fmt.Errorf("traversal strategy visited (%d,%d) twice", idx.Row, idx.Col)
		}
		seen[idx] = true
		wells = append(wells, Well{
			Row:   idx.Row,
			Col:   idx.Col,
			Label: Label(idx.Row, idx.Col),
			Pos:   m.At(idx.Row, idx.Col),
		})
	}

	return &Plan{Layout: layout, Wells: wells}, nil
}
