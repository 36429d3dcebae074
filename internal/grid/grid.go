// Package grid assembles the per-point dataset files of one folder into a
// field by frequency magnitude grid and applies background normalization.
package grid

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/units"
)

// DefaultFrequencyFloorHz drops the low-frequency artifact region below
// 2 GHz. Rows at or below the floor are discarded.
const DefaultFrequencyFloorHz = 2e9

var (
	ErrEmptyFolder   = errors.New("no dataset files in folder")
	ErrShapeMismatch = errors.New("dataset files differ in row count")
)

// Grid is a 2D dataset: rows are frequency samples, columns sweep points.
type Grid struct {
	Folder string
	Label  string

	Axis      *mat.Dense
	FreqGHz   *mat.Dense
	Magnitude *mat.Dense

	// Normalization is the background vector, one entry per row.
	Normalization []float64
}

// Dims returns (rows, cols).
func (g *Grid) Dims() (int, int) { return g.Magnitude.Dims() }

// AxisValues returns the sweep value of each column.
func (g *Grid) AxisValues() []float64 {
	return mat.Row(nil, 0, g.Axis)
}

// FrequenciesGHz returns the frequency of each row, taken from column 0.
func (g *Grid) FrequenciesGHz() []float64 {
	return mat.Col(nil, 0, g.FreqGHz)
}

// Normalized returns Magnitude minus the normalization vector, row-wise.
// The stored magnitude matrix is left untouched.
func (g *Grid) Normalized() *mat.Dense {
	r, c := g.Magnitude.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, _ int, v float64) float64 {
		return v - g.Normalization[i]
	}, g.Magnitude)
	return out
}

// Assembler builds grids from dataset folders.
type Assembler struct {
	store *dataset.Store

	// FrequencyFloorHz; rows with frequency <= floor are dropped.
	FrequencyFloorHz float64
}

// NewAssembler returns an Assembler reading through store.
func NewAssembler(store *dataset.Store) *Assembler {
	return &Assembler{store: store, FrequencyFloorHz: DefaultFrequencyFloorHz}
}

type entry struct {
	path  string
	value float64
}

// List returns the dataset files in folder in column order. Files are
// sorted by the numeric value of their stem, ascending unless the first
// file in directory order has a negative value, in which case descending.
// Files whose stem is not a number are ignored.
func (a *Assembler) List(folder string) ([]string, error) {
	entries, err := a.store.FS().ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}
	var files []entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, dataset.Extension) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(name, dataset.Extension), 64)
		if err != nil {
			continue
		}
		files = append(files, entry{path: filepath.Join(folder, name), value: v})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFolder, folder)
	}

	descending := files[0].value < 0
	sort.SliceStable(files, func(i, j int) bool {
		if descending {
			return files[i].value > files[j].value
		}
		return files[i].value < files[j].value
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Build reads every dataset in folder and assembles the grid.
func (a *Assembler) Build(folder string, norm Normalization) (*Grid, error) {
	paths, err := a.List(folder)
	if err != nil {
		return nil, err
	}

	var axisCols, freqCols, magCols [][]float64
	rows := -1
	for _, p := range paths {
		d, err := a.store.Read(p)
		if err != nil {
			return nil, err
		}
		var axis, freq, mag []float64
		for i := 0; i < d.Len(); i++ {
			if d.FrequencyHz[i] <= a.FrequencyFloorHz {
				continue
			}
			axis = append(axis, d.AxisValue[i])
			freq = append(freq, units.HzToGHz(d.FrequencyHz[i]))
			mag = append(mag, d.MagnitudeDb[i])
		}
		if rows == -1 {
			rows = len(mag)
		} else if len(mag) != rows {
			return nil, fmt.Errorf("%w: %s has %d rows, want %d", ErrShapeMismatch, p, len(mag), rows)
		}
		axisCols = append(axisCols, axis)
		freqCols = append(freqCols, freq)
		magCols = append(magCols, mag)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: %s has no rows above %g Hz", ErrEmptyFolder, folder, a.FrequencyFloorHz)
	}

	g := &Grid{
		Folder:    folder,
		Label:     dataset.Label(folder),
		Axis:      stack(axisCols, rows),
		FreqGHz:   stack(freqCols, rows),
		Magnitude: stack(magCols, rows),
	}
	g.Normalization, err = background(g.Magnitude, norm)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// stack places each slice as one column of a rows x len(cols) matrix.
func stack(cols [][]float64, rows int) *mat.Dense {
	m := mat.NewDense(rows, len(cols), nil)
	for j, c := range cols {
		m.SetCol(j, c)
	}
	return m
}

func background(mag *mat.Dense, norm Normalization) ([]float64, error) {
	rows, cols := mag.Dims()
	switch norm.Mode {
	case ModeNone:
		return make([]float64, rows), nil
	case ModeIndexed:
		if norm.Index < 1 || norm.Index > cols {
			return nil, fmt.Errorf("%w: column %d of %d", ErrBadNormalization, norm.Index, cols)
		}
		return mat.Col(nil, norm.Index-1, mag), nil
	case ModeSplit:
		if norm.SplitPoint < 0 {
			return nil, fmt.Errorf("%w: split point %d", ErrBadNormalization, norm.SplitPoint)
		}
		// A split past the last row uses the first column throughout.
		first := mat.Col(nil, 0, mag)
		last := mat.Col(nil, cols-1, mag)
		out := make([]float64, rows)
		for i := range out {
			if i < norm.SplitPoint {
				out[i] = first[i] + norm.Bias
			} else {
				out[i] = last[i]
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadNormalization, norm.Mode)
	}
}
