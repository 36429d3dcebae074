package sweep

import (
	"fmt"
	"math"
	"time"
)

// Timing holds the empirical waits and rates of the measurement loop. The
// defaults match a PPMS-class magnet and cryostat with a VNA averaging at
// roughly four seconds per average.
type Timing struct {
	// PostCommandDelay follows every field command before settle polling.
	PostCommandDelay time.Duration `json:"post_command_delay" yaml:"post_command_delay"`
	// FieldSettleDelay is the dwell passed to WaitUntilSettled for field
	// moves inside a sweep and the conditioning loop.
	FieldSettleDelay time.Duration `json:"field_settle_delay" yaml:"field_settle_delay"`
	// PrimeSettleDelay is the dwell after the first move of each sweep,
	// which may travel a long way.
	PrimeSettleDelay time.Duration `json:"prime_settle_delay" yaml:"prime_settle_delay"`

	PostTemperatureCommandDelay time.Duration `json:"post_temperature_command_delay" yaml:"post_temperature_command_delay"`
	TemperatureSettleDelay      time.Duration `json:"temperature_settle_delay" yaml:"temperature_settle_delay"`

	// SettleTimeout bounds each settle wait; zero waits indefinitely.
	SettleTimeout time.Duration `json:"settle_timeout" yaml:"settle_timeout"`

	// AveragingMultiplier is the wait per instrument average, in seconds.
	AveragingMultiplier float64 `json:"averaging_multiplier" yaml:"averaging_multiplier"`

	FieldRate       float64 `json:"field_rate" yaml:"field_rate"`             // Oe/s
	TemperatureRate float64 `json:"temperature_rate" yaml:"temperature_rate"` // K/min

	// ApproachEstimate, when set, adds floor(|target|/ApproachRate) +
	// ApproachPad of extra wait after the priming move, for magnets whose
	// status reports stable before the field has finished ramping.
	ApproachEstimate bool          `json:"approach_estimate" yaml:"approach_estimate"`
	ApproachRate     float64       `json:"approach_rate" yaml:"approach_rate"` // Oe/s
	ApproachPad      time.Duration `json:"approach_pad" yaml:"approach_pad"`
}

// DefaultTiming returns the timing used when a plan leaves it unset.
func DefaultTiming() Timing {
	return Timing{
		PostCommandDelay:            500 * time.Millisecond,
		FieldSettleDelay:            3 * time.Second,
		PrimeSettleDelay:            5 * time.Second,
		PostTemperatureCommandDelay: time.Second,
		TemperatureSettleDelay:      10 * time.Second,
		AveragingMultiplier:         4,
		FieldRate:                   200,
		TemperatureRate:             5,
		ApproachRate:                200,
		ApproachPad:                 5 * time.Second,
	}
}

// AveragingWait is the time to let the instrument finish averaging.
func (t Timing) AveragingWait(averages int) time.Duration {
	if averages <= 0 {
		return 0
	}
	return time.Duration(float64(averages) * t.AveragingMultiplier * float64(time.Second))
}

// ApproachWait estimates the ramp time to reach target Oe from zero field.
func (t Timing) ApproachWait(target float64) time.Duration {
	if !t.ApproachEstimate || t.ApproachRate <= 0 {
		return 0
	}
	secs := math.Floor(math.Abs(target) / t.ApproachRate)
	return time.Duration(secs)*time.Second + t.ApproachPad
}

// Validate rejects negative waits and non-positive rates.
func (t Timing) Validate() error {
	for name, d := range map[string]time.Duration{
		"post_command_delay":             t.PostCommandDelay,
		"field_settle_delay":             t.FieldSettleDelay,
		"prime_settle_delay":             t.PrimeSettleDelay,
		"post_temperature_command_delay": t.PostTemperatureCommandDelay,
		"temperature_settle_delay":       t.TemperatureSettleDelay,
		"settle_timeout":                 t.SettleTimeout,
		"approach_pad":                   t.ApproachPad,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s is negative (%s)", ErrInvalidPlan, name, d)
		}
	}
	if t.AveragingMultiplier < 0 {
		return fmt.Errorf("%w: averaging_multiplier is negative", ErrInvalidPlan)
	}
	if t.FieldRate <= 0 || t.TemperatureRate <= 0 {
		return fmt.Errorf("%w: field and temperature rates must be positive", ErrInvalidPlan)
	}
	return nil
}
