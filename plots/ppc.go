// Package plots renders posterior-predictive check figures.
package plots

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/maastricht-university/prominence-models/model"
)

// Band is the median and 95% interval of the replicated count of one outcome.
type Band struct {
	Median, Low, High float64
}

// Bands summarises the replicated counts per outcome (0, 1).
func Bands(ppc model.PPC) ([2]Band, error) {
	var out [2]Band
	if len(ppc.Replicated) == 0 {
		return out, errors.New("no replicated draws")
	}
	for k := 0; k < 2; k++ {
		v := make([]float64, len(ppc.Replicated))
		for i, r := range ppc.Replicated {
			v[i] = float64(r[k])
		}
		sort.Float64s(v)
		out[k] = Band{
			Median: stat.Quantile(0.5, stat.LinInterp, v, nil),
			Low:    stat.Quantile(0.025, stat.LinInterp, v, nil),
			High:   stat.Quantile(0.975, stat.LinInterp, v, nil),
		}
	}
	return out, nil
}

// replicated plots medians with asymmetric error bars.
type replicated struct {
	plotter.XYs
	plotter.YErrors
}

// WritePPC draws observed outcome counts as bars and the replicated counts as
// median points with 95% intervals. The format follows the file extension.
func WritePPC(path, title string, ppc model.PPC) error {
	bands, err := Bands(ppc)
	if err != nil {
		return fmt.Errorf("ppc %s: %w", title, err)
	}

	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "count"
	p.X.Label.Text = "Prominence"

	obs, err := plotter.NewBarChart(plotter.Values{float64(ppc.Observed[0]), float64(ppc.Observed[1])}, vg.Points(40))
	if err != nil {
		return err
	}
	obs.Color = color.RGBA{R: 158, G: 202, B: 225, A: 255}
	obs.LineStyle.Width = vg.Length(0)

	rep := replicated{
		XYs: plotter.XYs{{X: 0, Y: bands[0].Median}, {X: 1, Y: bands[1].Median}},
		YErrors: plotter.YErrors{
			{Low: bands[0].Median - bands[0].Low, High: bands[0].High - bands[0].Median},
			{Low: bands[1].Median - bands[1].Low, High: bands[1].High - bands[1].Median},
		},
	}
	pts, err := plotter.NewScatter(rep)
	if err != nil {
		return err
	}
	pts.GlyphStyle.Shape = draw.CircleGlyph{}
	pts.GlyphStyle.Radius = vg.Points(4)
	pts.GlyphStyle.Color = color.RGBA{R: 8, G: 48, B: 107, A: 255}
	bars, err := plotter.NewYErrorBars(rep)
	if err != nil {
		return err
	}
	bars.LineStyle.Color = pts.GlyphStyle.Color
	bars.LineStyle.Width = vg.Points(1.5)

	p.Add(obs, bars, pts)
	p.Legend.Add("y", obs)
	p.Legend.Add(fmt.Sprintf("y_rep (%d draws)", len(ppc.Replicated)), pts)
	p.Legend.Top = true
	p.NominalX("0", "1")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("make plot dir: %w", err)
	}
	if err := p.Save(5*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	return nil
}
