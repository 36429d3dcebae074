// Package dataset persists measurement points as one CSV file per sweep
// point, grouped in folders named after the enclosing loop axes:
//
//	{root}/{temperature}k/[{j}_times/]{S-parameter}/{field}.csv
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/coupling.report/internal/acquire"
	"github.com/banshee-data/coupling.report/internal/fsutil"
	"github.com/banshee-data/coupling.report/internal/units"
)

// Extension is the dataset file suffix.
const Extension = ".csv"

// bom is the UTF-8 signature written at the start of every file so that
// spreadsheet tools read non-ASCII folder and operator names correctly.
var bom = []byte{0xEF, 0xBB, 0xBF}

var (
	// ErrIOWrite wraps filesystem failures while persisting a point.
	ErrIOWrite = errors.New("dataset write failed")
	// ErrBadDataset is returned when a file cannot be parsed back.
	ErrBadDataset = errors.New("malformed dataset file")
)

// Header returns the CSV header row for an S-parameter label.
func Header(sParameter string) []string {
	return []string{
		"Field (" + units.Oersted + ")",
		"Frequency (" + units.Hertz + ")",
		sParameter + " (" + units.Decibel + ")",
		"X",
		"Y",
	}
}

// FileName returns the file name for a sweep axis value, e.g. "-200.csv".
func FileName(axisValue float64) string {
	return units.FormatGeneral(axisValue) + Extension
}

// FolderPath builds the folder for one S-parameter sweep. loopIteration 0
// means no conditioning loop level. The path is always derived from the
// full tuple, never by extending a previously used folder.
func FolderPath(root, temperatureLabel string, loopIteration int, sParameter string) string {
	parts := []string{root, temperatureLabel}
	if loopIteration > 0 {
		parts = append(parts, LoopLabel(loopIteration))
	}
	parts = append(parts, sParameter)
	return filepath.Join(parts...)
}

// LoopLabel returns the folder name for conditioning-loop iteration j.
func LoopLabel(j int) string {
	return strconv.Itoa(j) + "_times"
}

// Label joins the last three components of folder with "-", e.g.
// "data/300.0k/5_times/S21" -> "300.0k-5_times-S21".
func Label(folder string) string {
	parts := strings.FieldsFunc(filepath.ToSlash(filepath.Clean(folder)), func(r rune) bool { return r == '/' })
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	return strings.Join(parts, "-")
}

// Store writes and reads dataset files.
type Store struct {
	fs fsutil.FileSystem
}

// NewStore returns a Store on fs. A nil fs uses the OS filesystem.
func NewStore(fs fsutil.FileSystem) *Store {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Store{fs: fs}
}

// FS returns the underlying filesystem.
func (s *Store) FS() fsutil.FileSystem { return s.fs }

// Write persists point as {folder}/{axis}.csv, creating folder if needed and
// overwriting any existing file for the same axis value.
func (s *Store) Write(point *acquire.MeasurementPoint, folder, sParameter string) (string, error) {
	return s.WriteNamed(point, folder, FileName(point.AxisValue), sParameter)
}

// WriteNamed persists point as {folder}/{name} in the same format as Write.
// Single traces saved outside a sweep use it with a timestamp name.
func (s *Store) WriteNamed(point *acquire.MeasurementPoint, folder, name, sParameter string) (string, error) {
	if err := s.fs.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrIOWrite, folder, err)
	}

	var buf bytes.Buffer
	buf.Write(bom)
	w := csv.NewWriter(&buf)
	w.Write(Header(sParameter))
	axis := units.FormatGeneral(point.AxisValue)
	for i, sample := range point.Samples {
		w.Write([]string{
			axis,
			units.FormatGeneral(point.Frequencies[i]),
			units.FormatGeneral(point.LogMagnitudeDb[i]),
			units.FormatGeneral(real(sample)),
			units.FormatGeneral(imag(sample)),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrIOWrite, err)
	}

	path := filepath.Join(folder, name)
	if err := s.fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIOWrite, path, err)
	}
	return path, nil
}

// Dataset is a dataset file read back into columns.
type Dataset struct {
	SParameter  string
	AxisValue   []float64
	FrequencyHz []float64
	MagnitudeDb []float64
	Real        []float64
	Imag        []float64
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.FrequencyHz) }

// Read parses a dataset file.
func (s *Store) Read(path string) (*Dataset, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes dataset CSV content, with or without the UTF-8 signature.
func Parse(data []byte) (*Dataset, error) {
	data = bytes.TrimPrefix(data, bom)
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 5
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDataset, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: missing header", ErrBadDataset)
	}

	d := &Dataset{SParameter: strings.TrimSpace(strings.TrimSuffix(records[0][2], "("+units.Decibel+")"))}
	rows := records[1:]
	cols := []*[]float64{&d.AxisValue, &d.FrequencyHz, &d.MagnitudeDb, &d.Real, &d.Imag}
	for _, c := range cols {
		*c = make([]float64, 0, len(rows))
	}
	for i, rec := range rows {
		for j, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[j]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %d: %v", ErrBadDataset, i+2, j+1, err)
			}
			*c = append(*c, v)
		}
	}
	return d, nil
}
