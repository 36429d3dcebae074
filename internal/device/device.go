// Package device defines the ports the sweep engine drives: an actuator that
// moves a physical quantity (magnetic field or temperature) and a
// frequency-domain instrument that returns complex samples.
//
// Concrete adapters live in sub-packages: scpi talks to real hardware over a
// serial link and sim provides an in-process simulation.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeviceTimeout is returned when a subsystem does not settle within
	// the requested timeout.
	ErrDeviceTimeout = errors.New("device settle timeout")

	// ErrDeviceComm is returned for I/O or protocol faults on a device call.
	// Callers must not retry blindly: a half-issued move is unsafe to repeat.
	ErrDeviceComm = errors.New("device communication error")
)

// Quantity names a physical quantity controlled by an actuator.
type Quantity int

const (
	Field Quantity = iota
	Temperature
)

func (q Quantity) String() string {
	switch q {
	case Field:
		return "field"
	case Temperature:
		return "temperature"
	default:
		return fmt.Sprintf("quantity(%d)", int(q))
	}
}

// Reading is an instantaneous actuator readout.
type Reading struct {
	Value  float64 `json:"value"`
	Status string  `json:"status"`
}

// ActuatorPort sets and reads physical quantities.
type ActuatorPort interface {
	// SetTarget issues a move to value at rate and returns once the command
	// is accepted. It does not wait for the quantity to settle.
	SetTarget(ctx context.Context, q Quantity, value, rate float64) error

	// WaitUntilSettled dwells for delay and then blocks until the subsystem
	// for q reports stable. A zero timeout waits indefinitely, polling at a
	// fixed cadence. Returns ErrDeviceTimeout, ErrDeviceComm or ctx.Err().
	WaitUntilSettled(ctx context.Context, q Quantity, delay, timeout time.Duration) error

	// ReadCurrent returns the present value of q. Reads of different
	// quantities on one device need a gap between them; see Guard.
	ReadCurrent(ctx context.Context, q Quantity) (Reading, error)
}

// InstrumentOptions configures a frequency-domain instrument. Nil fields are
// left untouched on the device rather than reset to defaults.
type InstrumentOptions struct {
	SParameter     *string  `json:"s_parameter,omitempty" yaml:"s_parameter,omitempty"`
	PowerDBm       *float64 `json:"power_dbm,omitempty" yaml:"power_dbm,omitempty"`
	IFBandwidthHz  *float64 `json:"if_bandwidth_hz,omitempty" yaml:"if_bandwidth_hz,omitempty"`
	StartFreqHz    *float64 `json:"start_freq_hz,omitempty" yaml:"start_freq_hz,omitempty"`
	StopFreqHz     *float64 `json:"stop_freq_hz,omitempty" yaml:"stop_freq_hz,omitempty"`
	PointCount     *int     `json:"point_count,omitempty" yaml:"point_count,omitempty"`
	AveragingCount *int     `json:"averaging_count,omitempty" yaml:"averaging_count,omitempty"`
}

// IsZero reports whether no option is set.
func (o InstrumentOptions) IsZero() bool {
	return o.SParameter == nil && o.PowerDBm == nil && o.IFBandwidthHz == nil &&
		o.StartFreqHz == nil && o.StopFreqHz == nil && o.PointCount == nil &&
		o.AveragingCount == nil
}

// InstrumentState is the acquisition setup reported by the instrument.
type InstrumentState struct {
	StartFreqHz    float64 `json:"start_freq_hz"`
	StopFreqHz     float64 `json:"stop_freq_hz"`
	PointCount     int     `json:"point_count"`
	AveragingCount int     `json:"averaging_count"`
	SParameter     string  `json:"s_parameter"`
}

// InstrumentPort configures and reads a frequency-domain instrument.
type InstrumentPort interface {
	Configure(ctx context.Context, opts InstrumentOptions) error
	State(ctx context.Context) (InstrumentState, error)

	// ClearAverages restarts averaging. The caller waits for the averaging
	// cycle to complete before calling ReadComplexSamples.
	ClearAverages(ctx context.Context) error

	// ReadComplexSamples returns interleaved [Re0, Im0, Re1, Im1, ...].
	ReadComplexSamples(ctx context.Context) ([]float64, error)
}

// String returns a pointer to s, for InstrumentOptions literals.
func String(s string) *string { return &s }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
