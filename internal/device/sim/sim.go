// Package sim provides simulated device ports for dry runs and demos: a
// field/temperature controller that ramps at the commanded rate, and a
// network analyzer whose transmission shows a ferromagnetic resonance dip
// that follows the applied field.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/timeutil"
)

type ramp struct {
	from, to float64
	perSec   float64
	started  time.Time
}

func (r ramp) at(now time.Time) (float64, bool) {
	span := r.to - r.from
	if r.perSec <= 0 || span == 0 {
		return r.to, true
	}
	moved := r.perSec * now.Sub(r.started).Seconds()
	if moved >= math.Abs(span) {
		return r.to, true
	}
	return r.from + math.Copysign(moved, span), false
}

func (r ramp) remaining(now time.Time) time.Duration {
	if r.perSec <= 0 {
		return 0
	}
	total := time.Duration(math.Abs(r.to-r.from) / r.perSec * float64(time.Second))
	if left := total - now.Sub(r.started); left > 0 {
		return left
	}
	return 0
}

// Actuator simulates a magnet and cryostat. Field rates are Oe/s and
// temperature rates K/min.
type Actuator struct {
	clock timeutil.Clock

	mu    sync.Mutex
	ramps map[device.Quantity]ramp
}

// NewActuator starts at the given field and temperature.
func NewActuator(clock timeutil.Clock, field, temperature float64) *Actuator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Actuator{
		clock: clock,
		ramps: map[device.Quantity]ramp{
			device.Field:       {from: field, to: field, started: now},
			device.Temperature: {from: temperature, to: temperature, started: now},
		},
	}
}

func (a *Actuator) SetTarget(ctx context.Context, q device.Quantity, value, rate float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	perSec := math.Abs(rate)
	if q == device.Temperature {
		perSec /= 60
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	cur, _ := a.ramps[q].at(now)
	a.ramps[q] = ramp{from: cur, to: value, perSec: perSec, started: now}
	return nil
}

func (a *Actuator) WaitUntilSettled(ctx context.Context, q device.Quantity, delay, timeout time.Duration) error {
	if err := timeutil.Wait(ctx, a.clock, delay); err != nil {
		return err
	}
	a.mu.Lock()
	left := a.ramps[q].remaining(a.clock.Now())
	a.mu.Unlock()
	if timeout > 0 && left > timeout {
		if err := timeutil.Wait(ctx, a.clock, timeout); err != nil {
			return err
		}
		return device.ErrDeviceTimeout
	}
	return timeutil.Wait(ctx, a.clock, left)
}

func (a *Actuator) ReadCurrent(ctx context.Context, q device.Quantity) (device.Reading, error) {
	if err := ctx.Err(); err != nil {
		return device.Reading{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	v, done := a.ramps[q].at(a.clock.Now())
	status := "Stable"
	if !done {
		status = "Charging"
		if q == device.Temperature {
			status = "Chasing"
		}
	}
	return device.Reading{Value: v, Status: status}, nil
}

// Field returns the present simulated field without going through a port.
func (a *Actuator) Field() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, _ := a.ramps[device.Field].at(a.clock.Now())
	return v
}

// Resonance describes the simulated sample: a Kittel-like line whose
// frequency rises linearly with |H|.
type Resonance struct {
	BaseGHz       float64 // resonance at zero field
	GHzPerOe      float64
	LinewidthGHz  float64
	Depth         float64 // 0..1 fraction of transmission absorbed at resonance
	BaselineLevel float64 // linear |S21| off resonance
}

// DefaultResonance roughly matches a thin YIG film in a coplanar waveguide.
var DefaultResonance = Resonance{
	BaseGHz:       2.0,
	GHzPerOe:      0.0028,
	LinewidthGHz:  0.05,
	Depth:         0.6,
	BaselineLevel: 0.5,
}

// VNA simulates a network analyzer measuring the sample at the field
// reported by fieldOf.
type VNA struct {
	fieldOf   func() float64
	resonance Resonance

	mu    sync.Mutex
	state device.InstrumentState
}

// NewVNA returns a simulated analyzer. fieldOf is sampled on every read.
func NewVNA(fieldOf func() float64, res Resonance) *VNA {
	return &VNA{
		fieldOf:   fieldOf,
		resonance: res,
		state: device.InstrumentState{
			StartFreqHz:    1e9,
			StopFreqHz:     8e9,
			PointCount:     201,
			AveragingCount: 1,
			SParameter:     "S21",
		},
	}
}

func (v *VNA) Configure(ctx context.Context, opts device.InstrumentOptions) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	device.ApplyOptions(&v.state, opts)
	return ctx.Err()
}

func (v *VNA) State(ctx context.Context) (device.InstrumentState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, ctx.Err()
}

func (v *VNA) ClearAverages(ctx context.Context) error { return ctx.Err() }

func (v *VNA) ReadComplexSamples(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	st := v.state
	v.mu.Unlock()

	r := v.resonance
	fr := r.BaseGHz + r.GHzPerOe*math.Abs(v.fieldOf())
	raw := make([]float64, 0, 2*st.PointCount)
	for i := 0; i < st.PointCount; i++ {
		f := st.StartFreqHz
		if st.PointCount > 1 {
			f += (st.StopFreqHz - st.StartFreqHz) * float64(i) / float64(st.PointCount-1)
		}
		detuning := (f/1e9 - fr) / r.LinewidthGHz
		s := complex(r.BaselineLevel, 0) * (1 - complex(r.Depth, 0)/complex(1, detuning))
		raw = append(raw, real(s), imag(s))
	}
	return raw, nil
}

var (
	_ device.ActuatorPort   = (*Actuator)(nil)
	_ device.InstrumentPort = (*VNA)(nil)
)
