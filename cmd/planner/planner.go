// Command planner generates and scores a plate traversal offline. Feed it
// the four captured corner positions and a layout; it prints the ordered
// wells with the time estimate and can write a PNG or HTML preview.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/platescan/internal/config"
	"github.com/banshee-data/platescan/internal/geometry"
	"github.com/banshee-data/platescan/internal/plan"
	"github.com/banshee-data/platescan/internal/preview"
)

var (
	topLeft     = flag.String("tl", "", "top-left corner as x,y[,z]")
	topRight    = flag.String("tr", "", "top-right corner as x,y[,z]")
	bottomLeft  = flag.String("bl", "", "bottom-left corner as x,y[,z]")
	bottomRight = flag.String("br", "", "bottom-right corner as x,y[,z]")
	rows        = flag.Int("rows", config.DefaultPlateRows, "plate rows")
	cols        = flag.Int("cols", config.DefaultPlateCols, "plate columns")
	order       = flag.String("order", "serpentine", "traversal order: serpentine or raster")
	feedRate    = flag.Float64("feed", config.DefaultFeedRate, "feed rate in mm/min")
	accel       = flag.Float64("accel", config.DefaultAcceleration, "acceleration in mm/s^2")
	spacing     = flag.Float64("spacing", config.DefaultWellSpacing, "typical well spacing in mm")
	dwell       = flag.Duration("dwell", 500*time.Millisecond, "dwell per well")
	pngOut      = flag.String("png", "", "write a PNG preview to this path")
	htmlOut     = flag.String("html", "", "write an HTML preview to this path")
	quiet       = flag.Bool("quiet", false, "suppress the per-well listing")
)

func parseCorner(name, raw string) (geometry.Point, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return geometry.Point{}, fmt.Errorf("corner %s must be x,y or x,y,z, got %q", name, raw)
	}
	vals := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geometry.Point{}, fmt.Errorf("corner %s has invalid coordinate %q", name, part)
		}
		vals[i] = v
	}
	pt := geometry.Point{X: vals[0], Y: vals[1]}
	if len(vals) == 3 {
		pt.Z = vals[2]
	}
	return pt, nil
}

func main() {
	flag.Parse()

	var corners geometry.Corners
	var err error
	for _, c := range []struct {
		name string
		raw  *string
		dst  *geometry.Point
	}{
		{"tl", topLeft, &corners.TopLeft},
		{"tr", topRight, &corners.TopRight},
		{"bl", bottomLeft, &corners.BottomLeft},
		{"br", bottomRight, &corners.BottomRight},
	} {
		if *c.raw == "" {
			log.Fatalf("corner -%s is required", c.name)
		}
		*c.dst, err = parseCorner(c.name, *c.raw)
		if err != nil {
			log.Fatal(err)
		}
	}

	var strategy plan.Strategy
	switch *order {
	case "serpentine":
		strategy = plan.Serpentine
	case "raster":
		strategy = plan.Raster
	default:
		log.Fatalf("unknown traversal order %q", *order)
	}

	mapping, err := geometry.Resolve(corners, *rows, *cols, config.DefaultMinCornerSeparation)
	if err != nil {
		log.Fatal(err)
	}

	p, err := plan.Generate(mapping, strategy)
	if err != nil {
		log.Fatal(err)
	}

	est, err := plan.EstimateTravel(p, plan.Kinematics{
		FeedRate:     *feedRate,
		Acceleration: *accel,
		TypicalLeg:   *spacing,
	}, *dwell)
	if err != nil {
		log.Fatal(err)
	}

	if !*quiet {
		for i, w := range p.Wells {
			fmt.Printf("%3d  %-4s  X%8.3f  Y%8.3f  Z%8.3f\n", i, w.Label, w.Pos.X, w.Pos.Y, w.Pos.Z)
		}
	}
	fmt.Printf("wells: %d  travel: %s  dwell: %s  total: %s\n",
		len(p.Wells), est.Travel.Round(time.Millisecond),
		est.Dwell.Round(time.Millisecond), est.Total.Round(time.Millisecond))

	d := preview.Build(p)
	if *pngOut != "" {
		if err := preview.WritePNG(d, *pngOut); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s\n", *pngOut)
	}
	if *htmlOut != "" {
		f, err := os.Create(*htmlOut)
		if err != nil {
			log.Fatal(err)
		}
		if err := preview.RenderHTML(d, "Plate traversal", f); err != nil {
			f.Close()
			log.Fatal(err)
		}
		if err := f.Close(); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s\n", *htmlOut)
	}
}
