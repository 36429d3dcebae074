package sweep

import (
	"fmt"
	"strings"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/grid"
)

// Plan is everything needed to run one measurement.
type Plan struct {
	// Root is the dataset root folder.
	Root string `json:"root"`

	Temperature AxisSpec `json:"temperature"`
	Loop        LoopSpec `json:"loop"`
	Field       AxisSpec `json:"field"`

	// SParameters lists the channels to measure in order. Empty entries
	// are disabled slots and skipped.
	SParameters []string `json:"s_parameters"`

	// Instrument is applied once before the run; nil fields are untouched.
	Instrument device.InstrumentOptions `json:"instrument"`

	// Normalization applied to live view frames.
	Normalization grid.Normalization `json:"normalization"`

	// ZeroFieldFirst ramps the field to zero before the first temperature
	// step.
	ZeroFieldFirst bool `json:"zero_field_first"`

	Timing Timing `json:"timing"`
}

// EnabledSParameters returns the non-empty S-parameter labels.
func (p Plan) EnabledSParameters() []string {
	var out []string
	for _, s := range p.SParameters {
		if s = strings.TrimSpace(s); s != "" && s != "0" {
			out = append(out, s)
		}
	}
	return out
}

// TotalPoints returns the number of dataset files a complete run writes.
func (p Plan) TotalPoints() int {
	passes := 1
	if p.Loop.Enabled() {
		passes = 0
		for j := 1; j <= p.Loop.Iterations(); j++ {
			if p.Loop.IsBreakpoint(j) {
				passes++
			}
		}
	}
	return p.Temperature.Count() * passes * len(p.EnabledSParameters()) * p.Field.Count()
}

// Validate checks the plan before any device is touched.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.Root) == "" {
		return fmt.Errorf("%w: empty dataset root", ErrInvalidPlan)
	}
	if err := p.Temperature.Validate(); err != nil {
		return fmt.Errorf("temperature: %w", err)
	}
	if err := p.Field.Validate(); err != nil {
		return fmt.Errorf("field: %w", err)
	}
	if err := p.Loop.Validate(); err != nil {
		return err
	}
	if len(p.EnabledSParameters()) == 0 {
		return fmt.Errorf("%w: no S-parameter enabled", ErrInvalidPlan)
	}
	return p.Timing.Validate()
}

// WithDefaults fills an unset Timing with DefaultTiming.
func (p Plan) WithDefaults() Plan {
	if p.Timing == (Timing{}) {
		p.Timing = DefaultTiming()
	}
	return p
}
