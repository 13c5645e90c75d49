package preview

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WritePNG renders the drawing to a PNG file: the traversal as a line with a
// marker at every well.
func WritePNG(d Drawing, path string) error {
	if len(d.Points) == 0 {
		return fmt.Errorf("cannot render an empty drawing")
	}

	p := plot.New()
	p.Title.Text = "Plate traversal"
	p.X.Label.Text = "X (mm)"
	p.Y.Label.Text = "Y (mm)"

	pts := make(plotter.XYs, 0, len(d.Points))
	for _, xy := range d.Points {
		pts = append(pts, plotter.XY{X: xy.X, Y: xy.Y})
	}

	line, scatter, err := plotter.NewLinePoints(pts)
	if err != nil {
		return fmt.Errorf("failed to build path plot: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line, scatter)

	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save preview: %w", err)
	}
	return nil
}
