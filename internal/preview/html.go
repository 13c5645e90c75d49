package preview

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderHTML writes an interactive HTML preview of the drawing. Axis ranges
// are padded and symmetric around the plate so the traversal keeps its true
// aspect ratio.
func RenderHTML(d Drawing, title string, w io.Writer) error {
	if len(d.Points) == 0 {
		return fmt.Errorf("cannot render an empty drawing")
	}

	minX, maxX := d.Points[0].X, d.Points[0].X
	minY, maxY := d.Points[0].Y, d.Points[0].Y
	data := make([]opts.LineData, 0, len(d.Points))
	for i, xy := range d.Points {
		minX = math.Min(minX, xy.X)
		maxX = math.Max(maxX, xy.X)
		minY = math.Min(minY, xy.Y)
		maxY = math.Max(maxY, xy.Y)
		data = append(data, opts.LineData{Name: d.Labels[i], Value: []interface{}{xy.X, xy.Y}})
	}

	pad := 0.05 * math.Max(maxX-minX, maxY-minY)
	if pad == 0 {
		pad = 1.0
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%d wells", len(d.Points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Min: minX - pad, Max: maxX + pad, Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Min: minY - pad, Max: maxY + pad, Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
	)

	line.AddSeries("traversal", data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true), SymbolSize: 8}),
	)

	return line.Render(w)
}
