package main

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coupling.report/internal/acquire"
	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/grid"
)

func writeFolder(t *testing.T, folder string) {
	t.Helper()
	s := dataset.NewStore(nil)
	for _, field := range []float64{-100, 0, 100} {
		raw := []float64{1, 0, 2, 0, 3, 0, 4, 0}
		p, err := acquire.Transform(raw, acquire.Meta{StartFreqHz: 3e9, StopFreqHz: 6e9, PointCount: 4}, field)
		require.NoError(t, err)
		_, err = s.Write(p, folder, "S21")
		require.NoError(t, err)
	}
}

func setFlag(t *testing.T, p *string, v string) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestRender_PNG(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "data", "300.0k", "S21")
	writeFolder(t, folder)
	setFlag(t, outDir, dir)

	path, err := render(grid.NewAssembler(dataset.NewStore(nil)), folder, grid.Indexed(2))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data-300.0k-S21.png"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 960, img.Bounds().Dx())
}

func TestRender_HTML(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "data", "4.2k", "2_times", "S12")
	writeFolder(t, folder)
	setFlag(t, outDir, dir)
	setFlag(t, format, "html")

	path, err := render(grid.NewAssembler(dataset.NewStore(nil)), folder, grid.Split(2, 0.5))
	require.NoError(t, err)
	assert.Equal(t, "4.2k-2_times-S12.html", filepath.Base(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "echarts")
}

func TestRender_Errors(t *testing.T) {
	dir := t.TempDir()
	setFlag(t, outDir, dir)
	a := grid.NewAssembler(dataset.NewStore(nil))

	_, err := render(a, filepath.Join(dir, "missing"), grid.None())
	assert.Error(t, err)

	folder := filepath.Join(dir, "data", "300.0k", "S21")
	writeFolder(t, folder)
	_, err = render(a, folder, grid.Indexed(7))
	assert.ErrorIs(t, err, grid.ErrBadNormalization)

	setFlag(t, format, "svg")
	_, err = render(a, folder, grid.None())
	assert.ErrorContains(t, err, "unknown format")
}
