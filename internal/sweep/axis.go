// Package sweep runs the nested measurement loop: temperature steps, an
// optional field conditioning loop, S-parameter selection and the field
// sweep itself, with cooperative cancellation at every device boundary.
package sweep

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidPlan is returned for plans that cannot be executed.
var ErrInvalidPlan = errors.New("invalid sweep plan")

// countEpsilon absorbs float error in |stop-start|/|step| so that spans
// such as 0.3/0.1 count the point that lands on stop.
const countEpsilon = 1e-9

// AxisSpec is a linear sweep from Start to Stop in steps of |Step|. The
// direction comes from the sign of Stop-Start; the sign of Step is ignored.
type AxisSpec struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`
	Step  float64 `json:"step" yaml:"step"`
}

// Validate checks that the axis can be swept.
func (a AxisSpec) Validate() error {
	for _, v := range []float64{a.Start, a.Stop, a.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: axis %v has non-finite value", ErrInvalidPlan, a)
		}
	}
	if a.Step == 0 && a.Start != a.Stop {
		return fmt.Errorf("%w: zero step from %g to %g", ErrInvalidPlan, a.Start, a.Stop)
	}
	return nil
}

// Fixed reports whether the axis has a single point.
func (a AxisSpec) Fixed() bool { return a.Start == a.Stop }

// Count returns floor(|Stop-Start|/|Step|) + 1.
func (a AxisSpec) Count() int {
	if a.Fixed() || a.Step == 0 {
		return 1
	}
	return int(math.Floor(math.Abs(a.Stop-a.Start)/math.Abs(a.Step)+countEpsilon)) + 1
}

// Value returns the k-th commanded value. The final index returns Stop
// exactly rather than an accumulated Start+k*Step.
func (a AxisSpec) Value(k int) float64 {
	n := a.Count()
	if k >= n-1 {
		return a.Stop
	}
	dir := 1.0
	if a.Stop < a.Start {
		dir = -1
	}
	return a.Start + float64(k)*dir*math.Abs(a.Step)
}

// Values returns every commanded value in order.
func (a AxisSpec) Values() []float64 {
	out := make([]float64, a.Count())
	for k := range out {
		out[k] = a.Value(k)
	}
	return out
}

func (a AxisSpec) String() string {
	return fmt.Sprintf("%g:%g:%g", a.Start, a.Stop, a.Step)
}

// ParseAxisSpec parses "start:stop:step". A single number is a fixed axis.
func ParseAxisSpec(s string) (AxisSpec, error) {
	parts := strings.Split(s, ":")
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return AxisSpec{}, fmt.Errorf("invalid axis value %q: %w", p, err)
		}
		vals[i] = v
	}
	var a AxisSpec
	switch len(vals) {
	case 1:
		a = AxisSpec{Start: vals[0], Stop: vals[0]}
	case 3:
		a = AxisSpec{Start: vals[0], Stop: vals[1], Step: vals[2]}
	default:
		return AxisSpec{}, fmt.Errorf("invalid axis format %q: expected start:stop:step", s)
	}
	return a, a.Validate()
}

// LoopSpec is the conditioning loop: on each iteration j in
// 1..Iterations() the field is cycled to Start then Stop, except that on
// breakpoint iterations a full measurement pass runs instead.
type LoopSpec struct {
	Start       float64 `json:"start" yaml:"start"`
	Stop        float64 `json:"stop" yaml:"stop"`
	Step        float64 `json:"step,omitempty" yaml:"step,omitempty"` // cycling rate when positive
	Breakpoints []int   `json:"breakpoints,omitempty" yaml:"breakpoints,omitempty"`
}

// Enabled reports whether any positive breakpoint is set. An empty list or
// the {0} sentinel disables the loop.
func (l LoopSpec) Enabled() bool {
	return l.Iterations() > 0
}

// Iterations returns the largest breakpoint, the number of loop iterations.
func (l LoopSpec) Iterations() int {
	max := 0
	for _, b := range l.Breakpoints {
		if b > max {
			max = b
		}
	}
	return max
}

// IsBreakpoint reports whether iteration j measures instead of cycling.
func (l LoopSpec) IsBreakpoint(j int) bool {
	if j <= 0 {
		return false
	}
	for _, b := range l.Breakpoints {
		if b == j {
			return true
		}
	}
	return false
}

// Rate returns the cycling rate, falling back to def when Step is unset.
func (l LoopSpec) Rate(def float64) float64 {
	if l.Step > 0 {
		return l.Step
	}
	return def
}

// Validate rejects negative breakpoints.
func (l LoopSpec) Validate() error {
	for _, b := range l.Breakpoints {
		if b < 0 {
			return fmt.Errorf("%w: negative loop breakpoint %d", ErrInvalidPlan, b)
		}
	}
	return nil
}

// ParseLoopSpec parses "start:stop:step:b1,b2,...". "0", "" and "off"
// disable the loop.
func ParseLoopSpec(s string) (LoopSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || strings.EqualFold(s, "off") {
		return LoopSpec{}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return LoopSpec{}, fmt.Errorf("invalid loop format %q: expected start:stop:step:breakpoints", s)
	}
	axis, err := ParseAxisSpec(strings.Join(parts[:3], ":"))
	if err != nil && !errors.Is(err, ErrInvalidPlan) {
		return LoopSpec{}, err
	}
	l := LoopSpec{Start: axis.Start, Stop: axis.Stop, Step: math.Abs(axis.Step)}
	for _, f := range strings.Split(parts[3], ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		b, err := strconv.Atoi(f)
		if err != nil {
			return LoopSpec{}, fmt.Errorf("invalid loop breakpoint %q: %w", f, err)
		}
		l.Breakpoints = append(l.Breakpoints, b)
	}
	sort.Ints(l.Breakpoints)
	return l, l.Validate()
}
