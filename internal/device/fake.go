package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Move records one SetTarget call on a FakeActuator.
type Move struct {
	Quantity Quantity
	Value    float64
	Rate     float64
}

// FakeActuator is an in-memory ActuatorPort for tests. Targets are reached
// immediately; hooks allow injecting faults or cancelling mid-wait.
type FakeActuator struct {
	mu      sync.Mutex
	current map[Quantity]float64
	moves   []Move
	waits   int
	reads   []Quantity

	// OnSettle, when set, runs inside WaitUntilSettled and its error is
	// returned. n is the 1-based count of settle calls so far.
	OnSettle func(ctx context.Context, q Quantity, n int) error

	// ReadErr, when set, is returned by ReadCurrent.
	ReadErr error
}

// NewFakeActuator creates a FakeActuator at the given initial values.
func NewFakeActuator(field, temperature float64) *FakeActuator {
	return &FakeActuator{current: map[Quantity]float64{Field: field, Temperature: temperature}}
}

func (f *FakeActuator) SetTarget(ctx context.Context, q Quantity, value, rate float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, Move{Quantity: q, Value: value, Rate: rate})
	f.current[q] = value
	return nil
}

func (f *FakeActuator) WaitUntilSettled(ctx context.Context, q Quantity, _, _ time.Duration) error {
	f.mu.Lock()
	f.waits++
	n := f.waits
	hook := f.OnSettle
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, q, n); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (f *FakeActuator) ReadCurrent(ctx context.Context, q Quantity) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, q)
	if f.ReadErr != nil {
		return Reading{}, fmt.Errorf("read %s: %w", q, f.ReadErr)
	}
	return Reading{Value: f.current[q], Status: "stable"}, nil
}

// Moves returns every SetTarget call in order.
func (f *FakeActuator) Moves() []Move {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Move(nil), f.moves...)
}

// MovesOf returns the target values commanded for q.
func (f *FakeActuator) MovesOf(q Quantity) []float64 {
	var out []float64
	for _, m := range f.Moves() {
		if m.Quantity == q {
			out = append(out, m.Value)
		}
	}
	return out
}

// Reads returns the quantities read, in order.
func (f *FakeActuator) Reads() []Quantity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Quantity(nil), f.reads...)
}

// FakeInstrument is an in-memory InstrumentPort for tests. Every read
// returns PointCount samples of Re=3, Im=4 unless Samples is set.
type FakeInstrument struct {
	mu         sync.Mutex
	state      InstrumentState
	configured []InstrumentOptions
	clears     int
	reads      int

	// Samples, when set, produces the raw data for the n-th (1-based) read.
	Samples func(n int, st InstrumentState) []float64
	ReadErr error
}

// NewFakeInstrument creates a FakeInstrument with the given sweep setup.
func NewFakeInstrument(startHz, stopHz float64, points, averaging int) *FakeInstrument {
	return &FakeInstrument{state: InstrumentState{
		StartFreqHz:    startHz,
		StopFreqHz:     stopHz,
		PointCount:     points,
		AveragingCount: averaging,
		SParameter:     "S21",
	}}
}

func (f *FakeInstrument) Configure(ctx context.Context, opts InstrumentOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = append(f.configured, opts)
	ApplyOptions(&f.state, opts)
	return nil
}

func (f *FakeInstrument) State(ctx context.Context) (InstrumentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, ctx.Err()
}

func (f *FakeInstrument) ClearAverages(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return ctx.Err()
}

func (f *FakeInstrument) ReadComplexSamples(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.reads++
	n, st, gen, readErr := f.reads, f.state, f.Samples, f.ReadErr
	f.mu.Unlock()
	if readErr != nil {
		return nil, fmt.Errorf("read samples: %w", readErr)
	}
	if gen != nil {
		return gen(n, st), nil
	}
	raw := make([]float64, 2*st.PointCount)
	for i := 0; i < st.PointCount; i++ {
		raw[2*i], raw[2*i+1] = 3, 4
	}
	return raw, nil
}

// Configured returns every Configure call in order.
func (f *FakeInstrument) Configured() []InstrumentOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InstrumentOptions(nil), f.configured...)
}

// Clears returns the number of ClearAverages calls.
func (f *FakeInstrument) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

// ReadCount returns the number of ReadComplexSamples calls.
func (f *FakeInstrument) ReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// ApplyOptions copies the set fields of opts into st. Adapters that cache
// instrument state use it to keep nil options as no-ops.
func ApplyOptions(st *InstrumentState, opts InstrumentOptions) {
	if opts.SParameter != nil {
		st.SParameter = *opts.SParameter
	}
	if opts.StartFreqHz != nil {
		st.StartFreqHz = *opts.StartFreqHz
	}
	if opts.StopFreqHz != nil {
		st.StopFreqHz = *opts.StopFreqHz
	}
	if opts.PointCount != nil {
		st.PointCount = *opts.PointCount
	}
	if opts.AveragingCount != nil {
		st.AveragingCount = *opts.AveragingCount
	}
}
