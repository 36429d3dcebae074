package liveview

import (
	"bytes"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coupling.report/internal/acquire"
	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/fsutil"
	"github.com/banshee-data/coupling.report/internal/grid"
)

const testFolder = "/data/300.0k/S21"

// buildGrid writes one file per field value; sample i of field j has
// magnitude 20*log10(1+i+j).
func buildGrid(t *testing.T, fields []float64, points int) *grid.Grid {
	t.Helper()
	s := dataset.NewStore(fsutil.NewMemoryFileSystem())
	for j, field := range fields {
		raw := make([]float64, 0, 2*points)
		for i := 0; i < points; i++ {
			raw = append(raw, float64(1+i+j), 0)
		}
		p, err := acquire.Transform(raw, acquire.Meta{StartFreqHz: 3e9, StopFreqHz: 8e9, PointCount: points}, field)
		require.NoError(t, err)
		_, err = s.Write(p, testFolder, "S21")
		require.NoError(t, err)
	}
	g, err := grid.NewAssembler(s).Build(testFolder, grid.None())
	require.NoError(t, err)
	return g
}

func TestHeatGrid_AscendingColumns(t *testing.T) {
	g := buildGrid(t, []float64{-200, 0, 200}, 4)
	// Negative-first listing sorts columns descending.
	require.Equal(t, []float64{200, 0, -200}, g.AxisValues())

	h := newHeatGrid(g)
	c, r := h.Dims()
	assert.Equal(t, 3, c)
	assert.Equal(t, 4, r)
	assert.Equal(t, -200.0, h.X(0))
	assert.Equal(t, 200.0, h.X(2))
	// Column 0 of the heatmap is the file written last (j=0 for -200).
	assert.InDelta(t, 20*math.Log10(1), h.Z(0, 0), 1e-9)
	assert.InDelta(t, 20*math.Log10(3), h.Z(2, 0), 1e-9)
	assert.Less(t, h.Y(0), h.Y(3))
}

func TestZRange(t *testing.T) {
	g := buildGrid(t, []float64{0, 100}, 3)
	lo, hi := zRange(g.Normalized())
	assert.InDelta(t, 0, lo, 1e-9)
	assert.InDelta(t, 20*math.Log10(4), hi, 1e-9)

	flat := buildGrid(t, []float64{0}, 1)
	lo, hi = zRange(flat.Normalized())
	assert.InDelta(t, 1, hi-lo, 1e-9)
}

func TestRenderPNG(t *testing.T) {
	g := buildGrid(t, []float64{0, 100, 200}, 16)
	var buf bytes.Buffer
	require.NoError(t, RenderPNG(&buf, g, DefaultWidth, DefaultHeight))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 960, img.Bounds().Dx())
	assert.Equal(t, 576, img.Bounds().Dy())
}

func TestRenderPNG_SingleColumn(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPNG(&buf, buildGrid(t, []float64{50}, 4), DefaultWidth, DefaultHeight))
	assert.NotZero(t, buf.Len())
}

func TestRenderChart(t *testing.T) {
	g := buildGrid(t, []float64{-100, 0, 100}, 5)
	var buf bytes.Buffer
	require.NoError(t, RenderChart(&buf, g, "3/3 points"))

	html := buf.String()
	assert.True(t, strings.Contains(html, "echarts"), "missing echarts script")
	assert.Contains(t, html, "data-300.0k-S21")
	assert.Contains(t, html, "3/3 points")
	assert.Contains(t, html, `"heatmap"`)
}
