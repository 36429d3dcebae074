// Package scpi adapts line-oriented text instruments on a serial link to the
// device ports: a field/temperature controller speaking a PPMS-style
// "FIELD value,rate,mode" protocol and a SCPI vector network analyzer.
package scpi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/monitoring"
	"github.com/banshee-data/coupling.report/internal/serialmux"
	"github.com/banshee-data/coupling.report/internal/timeutil"
)

var logf = monitoring.Component("scpi")

// Approach modes understood by the controller.
const (
	FieldLinear             = 0
	TemperatureFastSettle   = 0
	DefaultSettlePollPeriod = time.Second
)

// Actuator drives a field/temperature controller.
//
// Wire format, one line per message:
//
//	FIELD <oe>,<oe/s>,<mode>     set field target
//	TEMP <k>,<k/min>,<mode>      set temperature target
//	FIELD? / TEMP?               -> "<value>,<status text>"
//
// A subsystem is settled when its status text contains "stable" or
// "holding" (case-insensitive), e.g. "Stable" or "Holding (Driven)".
type Actuator struct {
	link  serialmux.Link
	clock timeutil.Clock

	// PollPeriod is the status polling cadence inside WaitUntilSettled.
	PollPeriod time.Duration
	// FieldMode and TemperatureMode are sent as the approach mode argument.
	FieldMode       int
	TemperatureMode int
}

// NewActuator returns an Actuator on link. A nil clock uses the real clock.
func NewActuator(link serialmux.Link, clock timeutil.Clock) *Actuator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Actuator{
		link:            link,
		clock:           clock,
		PollPeriod:      DefaultSettlePollPeriod,
		FieldMode:       FieldLinear,
		TemperatureMode: TemperatureFastSettle,
	}
}

func keyword(q device.Quantity) (string, error) {
	switch q {
	case device.Field:
		return "FIELD", nil
	case device.Temperature:
		return "TEMP", nil
	default:
		return "", fmt.Errorf("%w: unknown quantity %s", device.ErrDeviceComm, q)
	}
}

// commErr wraps transport failures as ErrDeviceComm, leaving context
// errors untouched so cancellation is not reported as a fault.
func commErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", device.ErrDeviceComm, op, err)
}

func (a *Actuator) SetTarget(ctx context.Context, q device.Quantity, value, rate float64) error {
	kw, err := keyword(q)
	if err != nil {
		return err
	}
	mode := a.FieldMode
	if q == device.Temperature {
		mode = a.TemperatureMode
	}
	cmd := fmt.Sprintf("%s %s,%s,%d", kw, formatNumber(value), formatNumber(rate), mode)
	if err := a.link.SendCommand(ctx, cmd); err != nil {
		return commErr("set "+q.String(), err)
	}
	return nil
}

func (a *Actuator) ReadCurrent(ctx context.Context, q device.Quantity) (device.Reading, error) {
	kw, err := keyword(q)
	if err != nil {
		return device.Reading{}, err
	}
	reply, err := a.link.Query(ctx, kw+"?")
	if err != nil {
		return device.Reading{}, commErr("read "+q.String(), err)
	}
	r, err := ParseReading(reply)
	if err != nil {
		return device.Reading{}, fmt.Errorf("%w: read %s: %v", device.ErrDeviceComm, q, err)
	}
	return r, nil
}

func (a *Actuator) WaitUntilSettled(ctx context.Context, q device.Quantity, delay, timeout time.Duration) error {
	if err := timeutil.Wait(ctx, a.clock, delay); err != nil {
		return err
	}
	start := a.clock.Now()
	period := a.PollPeriod
	if period <= 0 {
		period = DefaultSettlePollPeriod
	}
	for {
		r, err := a.ReadCurrent(ctx, q)
		if err != nil {
			return err
		}
		if Settled(r.Status) {
			return nil
		}
		if timeout > 0 && a.clock.Since(start) >= timeout {
			return fmt.Errorf("%w: %s still %q after %s", device.ErrDeviceTimeout, q, r.Status, timeout)
		}
		if err := timeutil.Wait(ctx, a.clock, period); err != nil {
			return err
		}
	}
}

// Settled reports whether a controller status text means the subsystem has
// reached its target.
func Settled(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "stable") || strings.Contains(s, "holding")
}

// ParseReading parses a "<value>,<status>" reply.
func ParseReading(reply string) (device.Reading, error) {
	valueText, status, _ := strings.Cut(strings.TrimSpace(reply), ",")
	v, err := strconv.ParseFloat(strings.TrimSpace(valueText), 64)
	if err != nil {
		return device.Reading{}, fmt.Errorf("parse reading %q: %w", reply, err)
	}
	return device.Reading{Value: v, Status: strings.TrimSpace(status)}, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ device.ActuatorPort = (*Actuator)(nil)
