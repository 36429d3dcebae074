// Package acquire converts raw interleaved I/Q samples read from a network
// analyzer into measurement points. It performs no I/O.
package acquire

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
)

// ErrMalformedSampleData is returned when a raw sample sequence does not
// match the instrument metadata.
var ErrMalformedSampleData = errors.New("malformed sample data")

// Meta is the instrument setup a raw trace was taken with.
type Meta struct {
	StartFreqHz float64
	StopFreqHz  float64
	PointCount  int
}

// MeasurementPoint is one acquisition at one sweep position.
type MeasurementPoint struct {
	AxisValue      float64
	Frequencies    []float64
	Samples        []complex128
	LogMagnitudeDb []float64
}

// Len returns the number of samples in the point.
func (p *MeasurementPoint) Len() int { return len(p.Samples) }

// Transform builds a MeasurementPoint from raw = [Re0, Im0, Re1, Im1, ...].
// The result is either complete or nil with an ErrMalformedSampleData error.
func Transform(raw []float64, meta Meta, axisValue float64) (*MeasurementPoint, error) {
	if meta.PointCount < 1 {
		return nil, fmt.Errorf("%w: point count %d", ErrMalformedSampleData, meta.PointCount)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd sample length %d", ErrMalformedSampleData, len(raw))
	}
	if len(raw) != 2*meta.PointCount {
		return nil, fmt.Errorf("%w: got %d values, want %d for %d points",
			ErrMalformedSampleData, len(raw), 2*meta.PointCount, meta.PointCount)
	}

	n := meta.PointCount
	p := &MeasurementPoint{
		AxisValue:      axisValue,
		Frequencies:    Linspace(meta.StartFreqHz, meta.StopFreqHz, n),
		Samples:        make([]complex128, n),
		LogMagnitudeDb: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		s := complex(raw[2*i], raw[2*i+1])
		p.Samples[i] = s
		p.LogMagnitudeDb[i] = LogMagnitudeDb(s)
	}
	return p, nil
}

// LogMagnitudeDb returns 20*log10(|s|). A zero sample yields -Inf.
func LogMagnitudeDb(s complex128) float64 {
	return 20 * math.Log10(cmplx.Abs(s))
}

// Linspace returns n evenly spaced values from start to stop inclusive.
// A single point sits at start.
func Linspace(start, stop float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, stop)
}
