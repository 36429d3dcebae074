package sweep

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/coupling.report/internal/acquire"
	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/grid"
	"github.com/banshee-data/coupling.report/internal/monitoring"
	"github.com/banshee-data/coupling.report/internal/timeutil"
	"github.com/banshee-data/coupling.report/internal/units"
)

var logf = monitoring.Component("sweep")

// progressEvery is how often, in conditioning iterations, a progress line
// is logged.
const progressEvery = 5

// Frame is one refreshed grid for the live view.
type Frame struct {
	RunID  string
	Folder string
	Label  string
	Grid   *grid.Grid
	At     time.Time
}

// FrameSink receives frames. Push must not block the orchestrator.
type FrameSink interface {
	Push(Frame)
}

// RunInfo describes a run as it starts.
type RunInfo struct {
	ID        string
	Plan      Plan
	StartedAt time.Time
}

// PointRecord describes one persisted dataset file.
type PointRecord struct {
	RunID            string
	Path             string
	Folder           string
	TemperatureLabel string
	LoopIteration    int
	SParameter       string
	FieldIndex       int
	Field            float64
	RecordedAt       time.Time
}

// RunResult describes how a run ended.
type RunResult struct {
	ID              string
	Status          Status
	PointsPersisted int
	FinishedAt      time.Time
	Error           string
}

// Recorder journals runs and points. Recorder errors are logged and never
// abort a run; the dataset files are the source of truth.
type Recorder interface {
	BeginRun(ctx context.Context, info RunInfo) error
	RecordPoint(ctx context.Context, rec PointRecord) error
	FinishRun(ctx context.Context, res RunResult) error
}

// Observer receives run counters for metrics.
type Observer interface {
	RunStarted()
	RunFinished(status Status, elapsed time.Duration)
	PointPersisted(sParameter string)
	SettleWaited(q device.Quantity, d time.Duration)
}

// Deps are the collaborators of an Orchestrator. Actuator, Instrument and
// Store are required.
type Deps struct {
	Actuator   device.ActuatorPort
	Instrument device.InstrumentPort
	Store      *dataset.Store
	Assembler  *grid.Assembler // defaults to grid.NewAssembler(Store)
	Sink       FrameSink
	Recorder   Recorder
	Observer   Observer
	Clock      timeutil.Clock // defaults to timeutil.RealClock
}

// Orchestrator executes plans one at a time against its devices.
type Orchestrator struct {
	deps Deps

	mu    sync.RWMutex
	state State
}

// NewOrchestrator creates an orchestrator. It panics if a required
// dependency is missing.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Actuator == nil || deps.Instrument == nil || deps.Store == nil {
		panic("sweep: NewOrchestrator requires Actuator, Instrument and Store")
	}
	if deps.Assembler == nil {
		deps.Assembler = grid.NewAssembler(deps.Store)
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	return &Orchestrator{deps: deps, state: State{Status: StatusIdle}}
}

// State returns a snapshot of the current position.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) update(fn func(*State)) {
	o.mu.Lock()
	fn(&o.state)
	o.mu.Unlock()
}

// Run executes plan to completion. It returns nil when every point was
// measured, the context error when cancelled, and the first device,
// transform or write error otherwise. Files written before an early exit
// are left in place.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) error {
	plan = plan.WithDefaults()
	if err := plan.Validate(); err != nil {
		return err
	}

	clock := o.deps.Clock
	started := clock.Now()
	r := &run{o: o, plan: plan, id: uuid.NewString(), sParams: plan.EnabledSParameters()}

	o.update(func(s *State) {
		*s = State{
			Status:           StatusRunningTemperature,
			RunID:            r.id,
			TemperatureCount: plan.Temperature.Count(),
			FieldCount:       plan.Field.Count(),
			TotalPoints:      plan.TotalPoints(),
			StartedAt:        &started,
		}
	})
	logf("run %s starting: temperature %s, field %s, loop %v, %v into %s",
		r.id, plan.Temperature, plan.Field, plan.Loop.Breakpoints, r.sParams, plan.Root)

	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.BeginRun(ctx, RunInfo{ID: r.id, Plan: plan, StartedAt: started}); err != nil {
			logf("journal begin for run %s failed: %v", r.id, err)
		}
	}
	if o.deps.Observer != nil {
		o.deps.Observer.RunStarted()
	}

	err := r.execute(ctx)

	status := StatusCompleted
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = StatusCancelled
		err = ctx.Err()
	default:
		status = StatusFailed
	}

	finished := clock.Now()
	var final State
	o.update(func(s *State) {
		s.Status = status
		s.CompletedAt = &finished
		if status == StatusFailed {
			s.Error = err.Error()
		}
		final = *s
	})

	switch status {
	case StatusCompleted:
		logf("run %s completed: %d points in %s", r.id, final.PointsPersisted, finished.Sub(started))
	case StatusCancelled:
		logf("run %s cancelled after %d points", r.id, final.PointsPersisted)
	default:
		logf("run %s failed after %d points: %v", r.id, final.PointsPersisted, err)
	}

	if o.deps.Recorder != nil {
		res := RunResult{ID: r.id, Status: status, PointsPersisted: final.PointsPersisted, FinishedAt: finished, Error: final.Error}
		if jerr := o.deps.Recorder.FinishRun(context.WithoutCancel(ctx), res); jerr != nil {
			logf("journal finish for run %s failed: %v", r.id, jerr)
		}
	}
	if o.deps.Observer != nil {
		o.deps.Observer.RunFinished(status, finished.Sub(started))
	}
	return err
}

// run carries the per-run values through the nested loops.
type run struct {
	o       *Orchestrator
	plan    Plan
	id      string
	sParams []string

	meta     acquire.Meta
	averages int
}

func (r *run) execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inst := r.o.deps.Instrument
	if !r.plan.Instrument.IsZero() {
		if err := inst.Configure(ctx, r.plan.Instrument); err != nil {
			return fmt.Errorf("configure instrument: %w", err)
		}
	}
	st, err := inst.State(ctx)
	if err != nil {
		return fmt.Errorf("query instrument state: %w", err)
	}
	r.meta = acquire.Meta{StartFreqHz: st.StartFreqHz, StopFreqHz: st.StopFreqHz, PointCount: st.PointCount}
	r.averages = st.AveragingCount
	logf("instrument: %g-%g GHz, %d points, %d averages",
		units.HzToGHz(st.StartFreqHz), units.HzToGHz(st.StopFreqHz), st.PointCount, st.AveragingCount)

	t := r.plan.Timing
	if r.plan.ZeroFieldFirst {
		if err := r.moveField(ctx, 0, t.FieldRate, t.FieldSettleDelay); err != nil {
			return err
		}
	}

	temps := r.plan.Temperature
	n := temps.Count()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		reading, err := r.o.deps.Actuator.ReadCurrent(ctx, device.Temperature)
		if err != nil {
			return fmt.Errorf("read temperature: %w", err)
		}
		label := units.TemperatureLabel(reading.Value)
		r.o.update(func(s *State) {
			s.Status = StatusRunningTemperature
			s.TemperatureIndex = i
			s.TemperatureLabel = label
			s.LoopIteration = 0
		})
		logf("temperature step %d/%d at %s (target %g %s)", i+1, n, label, temps.Value(i), units.Kelvin)

		if r.plan.Loop.Enabled() {
			err = r.conditioningLoop(ctx, label)
		} else {
			err = r.measurePass(ctx, label, 0)
		}
		if err != nil {
			return err
		}
		logf("temperature step %s finished", label)

		if i == n-1 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.moveTemperature(ctx, temps.Value(i+1)); err != nil {
			return err
		}
	}
	return nil
}

// conditioningLoop cycles the field between the loop bounds, running a
// measurement pass in place of the cycle on breakpoint iterations.
func (r *run) conditioningLoop(ctx context.Context, label string) error {
	loop := r.plan.Loop
	t := r.plan.Timing
	rate := loop.Rate(t.FieldRate)
	for j := 1; j <= loop.Iterations(); j++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if loop.IsBreakpoint(j) {
			logf("field loop %d: measuring", j)
			if err := r.measurePass(ctx, label, j); err != nil {
				return err
			}
			continue
		}

		r.o.update(func(s *State) {
			s.Status = StatusRunningLoop
			s.LoopIteration = j
		})
		if j%progressEvery == 0 {
			logf("field loop at iteration %d/%d", j, loop.Iterations())
		}
		for _, target := range []float64{loop.Start, loop.Stop} {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.moveField(ctx, target, rate, t.FieldSettleDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// measurePass runs one field sweep for each enabled S-parameter.
func (r *run) measurePass(ctx context.Context, label string, loopIteration int) error {
	for _, s := range r.sParams {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.o.update(func(st *State) {
			st.Status = StatusRunningSParameter
			st.LoopIteration = loopIteration
			st.SParameter = s
		})
		if err := r.o.deps.Instrument.Configure(ctx, device.InstrumentOptions{SParameter: device.String(s)}); err != nil {
			return fmt.Errorf("select %s: %w", s, err)
		}
		folder := dataset.FolderPath(r.plan.Root, label, loopIteration, s)
		if err := r.fieldSweep(ctx, folder, label, loopIteration, s); err != nil {
			return err
		}
	}
	return nil
}

// fieldSweep measures every field point into folder. The first point is
// acquired before the loop so that each iteration persists the current
// point and then requests the next one; no move follows the final point.
func (r *run) fieldSweep(ctx context.Context, folder, label string, loopIteration int, s string) error {
	field := r.plan.Field
	t := r.plan.Timing
	n := field.Count()

	r.o.update(func(st *State) {
		st.Status = StatusRunningFieldSweep
		st.Folder = folder
		st.FieldIndex = 0
		st.FieldCount = n
		st.Field = field.Value(0)
	})
	logf("%s sweep into %s: %d points", s, folder, n)

	if err := ctx.Err(); err != nil {
		return err
	}
	start := field.Value(0)
	if err := r.moveField(ctx, start, t.FieldRate, t.PrimeSettleDelay); err != nil {
		return err
	}
	if err := r.wait(ctx, t.ApproachWait(start)); err != nil {
		return err
	}
	raw, err := r.acquire(ctx)
	if err != nil {
		return err
	}

	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		value := field.Value(k)
		point, err := acquire.Transform(raw, r.meta, value)
		if err != nil {
			return fmt.Errorf("point %d (%g %s): %w", k, value, units.Oersted, err)
		}
		path, err := r.o.deps.Store.Write(point, folder, s)
		if err != nil {
			return err
		}
		r.persisted(ctx, PointRecord{
			RunID:            r.id,
			Path:             path,
			Folder:           folder,
			TemperatureLabel: label,
			LoopIteration:    loopIteration,
			SParameter:       s,
			FieldIndex:       k,
			Field:            value,
		})

		if k >= 1 {
			r.push(folder)
		}
		if k == n-1 {
			break
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		next := field.Value(k + 1)
		r.o.update(func(st *State) {
			st.FieldIndex = k + 1
			st.Field = next
		})
		if err := r.moveField(ctx, next, t.FieldRate, t.FieldSettleDelay); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if raw, err = r.acquire(ctx); err != nil {
			return err
		}
	}
	logf("%s sweep into %s finished", s, folder)
	return nil
}

func (r *run) persisted(ctx context.Context, rec PointRecord) {
	rec.RecordedAt = r.o.deps.Clock.Now()
	r.o.update(func(st *State) {
		st.PointsPersisted++
		st.LastPath = rec.Path
	})
	logf("saved %s %s at %s %s", filepath.Base(rec.Path), rec.SParameter, units.FormatGeneral(rec.Field), units.Oersted)
	if r.o.deps.Recorder != nil {
		if err := r.o.deps.Recorder.RecordPoint(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
			logf("journal point %s failed: %v", rec.Path, err)
		}
	}
	if r.o.deps.Observer != nil {
		r.o.deps.Observer.PointPersisted(rec.SParameter)
	}
}

// push rebuilds the grid for folder and hands it to the sink. A failed
// rebuild only skips this frame.
func (r *run) push(folder string) {
	if r.o.deps.Sink == nil {
		return
	}
	g, err := r.o.deps.Assembler.Build(folder, r.plan.Normalization)
	if err != nil {
		logf("live view rebuild of %s failed: %v", folder, err)
		return
	}
	r.o.deps.Sink.Push(Frame{RunID: r.id, Folder: folder, Label: g.Label, Grid: g, At: r.o.deps.Clock.Now()})
}

// acquire clears the averages, waits for them to accumulate and reads the
// trace.
func (r *run) acquire(ctx context.Context) ([]float64, error) {
	inst := r.o.deps.Instrument
	if err := inst.ClearAverages(ctx); err != nil {
		return nil, fmt.Errorf("clear averages: %w", err)
	}
	if err := r.wait(ctx, r.plan.Timing.AveragingWait(r.averages)); err != nil {
		return nil, err
	}
	raw, err := inst.ReadComplexSamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	return raw, nil
}

func (r *run) moveField(ctx context.Context, target, rate float64, dwell time.Duration) error {
	if err := r.o.deps.Actuator.SetTarget(ctx, device.Field, target, rate); err != nil {
		return fmt.Errorf("set field %g %s: %w", target, units.Oersted, err)
	}
	return r.settle(ctx, device.Field, r.plan.Timing.PostCommandDelay, dwell)
}

func (r *run) moveTemperature(ctx context.Context, target float64) error {
	t := r.plan.Timing
	logf("moving to %g %s", target, units.Kelvin)
	if err := r.o.deps.Actuator.SetTarget(ctx, device.Temperature, target, t.TemperatureRate); err != nil {
		return fmt.Errorf("set temperature %g %s: %w", target, units.Kelvin, err)
	}
	return r.settle(ctx, device.Temperature, t.PostTemperatureCommandDelay, t.TemperatureSettleDelay)
}

func (r *run) settle(ctx context.Context, q device.Quantity, post, dwell time.Duration) error {
	if err := r.wait(ctx, post); err != nil {
		return err
	}
	clock := r.o.deps.Clock
	began := clock.Now()
	err := r.o.deps.Actuator.WaitUntilSettled(ctx, q, dwell, r.plan.Timing.SettleTimeout)
	if r.o.deps.Observer != nil {
		r.o.deps.Observer.SettleWaited(q, clock.Since(began))
	}
	if err != nil {
		return fmt.Errorf("settle %s: %w", q, err)
	}
	return nil
}

func (r *run) wait(ctx context.Context, d time.Duration) error {
	return timeutil.Wait(ctx, r.o.deps.Clock, d)
}
