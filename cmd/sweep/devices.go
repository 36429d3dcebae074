package main

import (
	"context"
	"errors"
	"log"

	"go.bug.st/serial"
	"tailscale.com/tsweb"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/device/scpi"
	"github.com/banshee-data/coupling.report/internal/device/sim"
	"github.com/banshee-data/coupling.report/internal/serialmux"
	"github.com/banshee-data/coupling.report/internal/timeutil"
)

// devices are the two instruments a run drives.
type devices struct {
	Actuator   device.ActuatorPort
	Instrument device.InstrumentPort
	Debug      []func(*tsweb.DebugHandler) error

	closers []func() error
}

func (d *devices) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func openDevices(ctx context.Context, clock timeutil.Clock) (*devices, error) {
	if *simMode {
		log.Printf("using simulated actuator and analyzer")
		act := sim.NewActuator(clock, 0, 300)
		return &devices{
			Actuator:   device.NewGuard(act, clock, 0),
			Instrument: sim.NewVNA(act.Field, sim.DefaultResonance),
		}, nil
	}

	opts, err := serialmux.ParsePortOptions(*lineFormat)
	if err != nil {
		return nil, err
	}
	actMux, err := serialmux.NewRealSerialMux(*actuatorDev, opts)
	if err != nil {
		return nil, err
	}
	d := &devices{closers: []func() error{actMux.Close}}

	vnaMux, err := serialmux.NewRealSerialMux(*vnaDev, opts)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, vnaMux.Close)

	if *gpibAddr >= 0 {
		if err := scpi.UseGPIBBridge(ctx, vnaMux, *gpibAddr); err != nil {
			d.Close()
			return nil, err
		}
	}
	vna := scpi.NewVNA(vnaMux, "")
	if *vnaSetup != "" {
		if err := vna.Setup(ctx, *vnaSetup); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.Actuator = device.NewGuard(scpi.NewActuator(actMux, clock), clock, 0)
	d.Instrument = vna
	d.Debug = []func(*tsweb.DebugHandler) error{
		debugAttacher[serial.Port](actMux, "actuator"),
		debugAttacher[serial.Port](vnaMux, "vna"),
	}
	log.Printf("actuator on %s, analyzer on %s at %s", *actuatorDev, *vnaDev, opts)
	return d, nil
}
