package liveview

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/coupling.report/internal/grid"
	"github.com/banshee-data/coupling.report/internal/units"
)

// Default image and chart sizes.
const (
	DefaultWidth  = 10 * vg.Inch
	DefaultHeight = 6 * vg.Inch

	// maxChartCells bounds the HTML heatmap payload; rows are strided to fit.
	maxChartCells = 40000
)

// heatGrid adapts a grid to plotter.GridXYZ with columns and rows in
// ascending axis order, whatever order the files were listed in.
type heatGrid struct {
	z    *mat.Dense
	x, y []float64
	cols []int
	rows []int
}

func newHeatGrid(g *grid.Grid) *heatGrid {
	h := &heatGrid{
		z: g.Normalized(),
		x: g.AxisValues(),
		y: g.FrequenciesGHz(),
	}
	h.cols = ascending(h.x)
	h.rows = ascending(h.y)
	return h
}

func ascending(v []float64) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })
	return idx
}

func (h *heatGrid) Dims() (c, r int)   { return len(h.cols), len(h.rows) }
func (h *heatGrid) Z(c, r int) float64 { return h.z.At(h.rows[r], h.cols[c]) }
func (h *heatGrid) X(c int) float64    { return h.x[h.cols[c]] }
func (h *heatGrid) Y(r int) float64    { return h.y[h.rows[r]] }

// zRange returns the finite min and max of the normalized magnitudes,
// widened to a unit span when flat.
func zRange(m *mat.Dense) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)[:c]
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 1
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	return lo, hi
}

// NewHeatmapPlot builds the field by frequency heatmap of g.
func NewHeatmapPlot(g *grid.Grid) *plot.Plot {
	hg := newHeatGrid(g)
	lo, hi := zRange(hg.z)

	hm := plotter.NewHeatMap(hg, palette.Heat(64, 1))
	hm.Min, hm.Max = lo, hi

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s  [%.1f, %.1f] %s", g.Label, lo, hi, units.Decibel)
	p.X.Label.Text = "Field (" + units.Oersted + ")"
	p.Y.Label.Text = "Frequency (GHz)"
	p.Add(hm)
	return p
}

// RenderPNG writes g as a PNG heatmap of the given size.
func RenderPNG(w io.Writer, g *grid.Grid, width, height vg.Length) error {
	wt, err := NewHeatmapPlot(g).WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("render heatmap: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write heatmap: %w", err)
	}
	return nil
}

// RenderChart writes g as a self-contained go-echarts heatmap page.
func RenderChart(w io.Writer, g *grid.Grid, subtitle string) error {
	hg := newHeatGrid(g)
	cols, rows := hg.Dims()

	stride := 1
	if cols*rows > maxChartCells {
		stride = int(math.Ceil(float64(cols*rows) / maxChartCells))
	}

	xLabels := make([]string, cols)
	for c := range xLabels {
		xLabels[c] = units.FormatGeneral(hg.X(c))
	}
	var yLabels []string
	data := make([]opts.HeatMapData, 0, cols*(rows/stride+1))
	zs := make([]float64, 0, cap(data))
	for r, yi := 0, 0; r < rows; r, yi = r+stride, yi+1 {
		yLabels = append(yLabels, fmt.Sprintf("%.3f", hg.Y(r)))
		for c := 0; c < cols; c++ {
			z := hg.Z(c, r)
			if math.IsNaN(z) || math.IsInf(z, 0) {
				continue
			}
			zs = append(zs, z)
			data = append(data, opts.HeatMapData{Value: [3]interface{}{c, yi, math.Round(z*100) / 100}})
		}
	}
	lo, hi := 0.0, 1.0
	if len(zs) > 0 {
		lo, hi = floats.Min(zs), floats.Max(zs)
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: g.Label, Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: g.Label, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "Field (" + units.Oersted + ")", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: yLabels, Name: "GHz"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: []string{"#000004", "#3b0f70", "#8c2981", "#de4968", "#fe9f6d", "#fcfdbf"}},
		}),
	)
	hm.SetXAxis(xLabels)
	hm.AddSeries(units.Decibel, data)

	var buf bytes.Buffer
	if err := hm.Render(&buf); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
