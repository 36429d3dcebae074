package scpi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/serialmux"
)

// DefaultMeasurement is the measurement name the analyzer is set up with.
const DefaultMeasurement = "My_measure"

// DefaultTracePointTime is the transfer time allowed per trace point: two
// ASCII values of about 24 bytes each at 9600 baud.
const DefaultTracePointTime = 50 * time.Millisecond

// fallbackPoints is assumed for the trace timeout until the point count is
// known.
const fallbackPoints = 1601

// VNA drives a SCPI vector network analyzer with a single named
// measurement on channel 1.
type VNA struct {
	link        serialmux.Link
	measurement string

	// TracePointTime scales the trace read timeout with the point count
	// when the link supports per-query timeouts.
	TracePointTime time.Duration

	points atomic.Int64
}

// NewVNA returns a VNA on link. An empty measurement uses DefaultMeasurement.
func NewVNA(link serialmux.Link, measurement string) *VNA {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &VNA{link: link, measurement: measurement, TracePointTime: DefaultTracePointTime}
}

// UseGPIBBridge prepares a Prologix-style USB-GPIB bridge to forward
// traffic to the instrument at addr: controller mode, target address and
// read-after-write so queries return the instrument's reply.
func UseGPIBBridge(ctx context.Context, link serialmux.Link, addr int) error {
	logf("gpib bridge addressing instrument %d", addr)
	for _, cmd := range []string{"++mode 1", fmt.Sprintf("++addr %d", addr), "++auto 1", "++eos 2"} {
		if err := link.SendCommand(ctx, cmd); err != nil {
			return commErr("gpib bridge setup", err)
		}
	}
	return nil
}

func (v *VNA) send(ctx context.Context, cmd string) error {
	if err := v.link.SendCommand(ctx, cmd); err != nil {
		return commErr(cmd, err)
	}
	return nil
}

// Setup recreates the measurement from scratch and shows it on the display.
func (v *VNA) Setup(ctx context.Context, sParameter string) error {
	for _, cmd := range []string{
		"*CLS",
		":CALC:PAR:DEL:ALL",
		fmt.Sprintf(":CALC:PAR:DEF:EXT '%s', '%s'", v.measurement, sParameter),
		fmt.Sprintf(":CALC:PAR:SEL '%s'", v.measurement),
		fmt.Sprintf(":DISP:WIND1:TRAC1:FEED '%s'", v.measurement),
	} {
		if err := v.send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Configure writes each set option. Averaging is switched on whenever an
// averaging count is given.
func (v *VNA) Configure(ctx context.Context, opts device.InstrumentOptions) error {
	cmds := []string{fmt.Sprintf(":CALC:PAR:SEL '%s'", v.measurement)}
	if opts.SParameter != nil {
		cmds = append(cmds, ":CALC:PAR:MOD:EXT "+*opts.SParameter)
	}
	if opts.PowerDBm != nil {
		cmds = append(cmds, ":SOUR:POW "+formatNumber(*opts.PowerDBm))
	}
	if opts.IFBandwidthHz != nil {
		cmds = append(cmds, ":SENSe1:BANDwidth "+formatNumber(*opts.IFBandwidthHz))
	}
	if opts.StartFreqHz != nil {
		cmds = append(cmds, ":SENSe1:FREQ:STAR "+formatNumber(*opts.StartFreqHz))
	}
	if opts.StopFreqHz != nil {
		cmds = append(cmds, ":SENSe1:FREQ:STOP "+formatNumber(*opts.StopFreqHz))
	}
	if opts.PointCount != nil {
		v.points.Store(int64(*opts.PointCount))
		cmds = append(cmds, ":SENSe1:SWEep:POIN "+strconv.Itoa(*opts.PointCount))
	}
	if opts.AveragingCount != nil {
		cmds = append(cmds, ":SENSe1:AVERage:STATe ON", ":SENSe1:AVERage:COUNt "+strconv.Itoa(*opts.AveragingCount))
	}
	for _, cmd := range cmds {
		if err := v.send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (v *VNA) queryFloat(ctx context.Context, cmd string) (float64, error) {
	reply, err := v.link.Query(ctx, cmd)
	if err != nil {
		return 0, commErr(cmd, err)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: parse %q: %v", device.ErrDeviceComm, cmd, reply, err)
	}
	return f, nil
}

// State queries the sweep setup of the selected measurement.
func (v *VNA) State(ctx context.Context) (device.InstrumentState, error) {
	var st device.InstrumentState
	if err := v.send(ctx, fmt.Sprintf(":CALC:PAR:SEL '%s'", v.measurement)); err != nil {
		return st, err
	}
	var err error
	if st.StartFreqHz, err = v.queryFloat(ctx, ":SENS:FREQ:STAR?"); err != nil {
		return st, err
	}
	if st.StopFreqHz, err = v.queryFloat(ctx, ":SENS:FREQ:STOP?"); err != nil {
		return st, err
	}
	points, err := v.queryFloat(ctx, ":SENSe1:SWEep:POIN?")
	if err != nil {
		return st, err
	}
	st.PointCount = int(points)
	v.points.Store(int64(st.PointCount))
	avg, err := v.queryFloat(ctx, ":SENSe1:AVERage:COUNt?")
	if err != nil {
		return st, err
	}
	st.AveragingCount = int(avg)

	catalog, err := v.link.Query(ctx, ":CALC:PAR:CAT?")
	if err != nil {
		return st, commErr(":CALC:PAR:CAT?", err)
	}
	st.SParameter = ParseCatalogSParameter(catalog)
	return st, nil
}

// ParseCatalogSParameter extracts the S-parameter from a catalog reply of
// the form "'My_measure,S21'" (name, parameter pairs).
func ParseCatalogSParameter(catalog string) string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(catalog), `"'`), ",")
	if len(parts) < 2 {
		return ""
	}
	s := strings.TrimSpace(parts[1])
	if len(s) > 3 {
		s = s[:3]
	}
	return s
}

func (v *VNA) ClearAverages(ctx context.Context) error {
	return v.send(ctx, ":SENSe1:AVERage:CLEar")
}

// TraceTimeout is the reply timeout used for a trace of the last known
// point count.
func (v *VNA) TraceTimeout() time.Duration {
	n := v.points.Load()
	if n <= 0 {
		n = fallbackPoints
	}
	return serialmux.DefaultQueryTimeout + time.Duration(n)*v.TracePointTime
}

// ReadComplexSamples reads the unformatted complex trace as ASCII.
func (v *VNA) ReadComplexSamples(ctx context.Context) ([]float64, error) {
	const cmd = ":CALCulate:DATA? SDATA"
	var (
		reply string
		err   error
	)
	if slow, ok := v.link.(serialmux.SlowQuerier); ok {
		reply, err = slow.QueryWithin(ctx, cmd, v.TraceTimeout())
	} else {
		reply, err = v.link.Query(ctx, cmd)
	}
	if err != nil {
		return nil, commErr("read trace", err)
	}
	return ParseASCIIValues(reply)
}

// ParseASCIIValues parses a comma-separated list of numbers.
func ParseASCIIValues(reply string) ([]float64, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, nil
	}
	fields := strings.Split(reply, ",")
	out := make([]float64, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d %q: %v", device.ErrDeviceComm, i, f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

var _ device.InstrumentPort = (*VNA)(nil)
