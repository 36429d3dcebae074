package scpi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/serialmux"
	"github.com/banshee-data/coupling.report/internal/timeutil"
)

// fakeLink records traffic and answers queries from a table.
type fakeLink struct {
	mu      sync.Mutex
	sent    []string
	replies map[string][]string
	err     error
}

func newFakeLink() *fakeLink { return &fakeLink{replies: map[string][]string{}} }

func (l *fakeLink) reply(cmd string, lines ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replies[cmd] = append(l.replies[cmd], lines...)
}

func (l *fakeLink) SendCommand(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, cmd)
	return ctx.Err()
}

func (l *fakeLink) Query(ctx context.Context, cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if l.err != nil {
		return "", l.err
	}
	l.sent = append(l.sent, cmd)
	queue := l.replies[cmd]
	if len(queue) == 0 {
		return "", serialmux.ErrTimeout
	}
	// The last reply repeats once the queue is exhausted.
	r := queue[0]
	if len(queue) > 1 {
		l.replies[cmd] = queue[1:]
	}
	return r, nil
}

func (l *fakeLink) Close() error { return nil }

// timedLink is a fakeLink that accepts per-query timeouts.
type timedLink struct {
	*fakeLink
	timeouts map[string]time.Duration
}

func (l *timedLink) QueryWithin(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	l.mu.Lock()
	l.timeouts[cmd] = timeout
	l.mu.Unlock()
	return l.Query(ctx, cmd)
}

func (l *fakeLink) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func TestActuator_SetTarget(t *testing.T) {
	link := newFakeLink()
	a := NewActuator(link, timeutil.NewMockClock(time.Unix(0, 0)))
	ctx := context.Background()

	require.NoError(t, a.SetTarget(ctx, device.Field, -1500, 200))
	require.NoError(t, a.SetTarget(ctx, device.Temperature, 4.5, 5))
	assert.Equal(t, []string{"FIELD -1500,200,0", "TEMP 4.5,5,0"}, link.Sent())
}

func TestActuator_ReadCurrent(t *testing.T) {
	link := newFakeLink()
	link.reply("TEMP?", "300.12,Stable")
	a := NewActuator(link, nil)

	r, err := a.ReadCurrent(context.Background(), device.Temperature)
	require.NoError(t, err)
	assert.Equal(t, device.Reading{Value: 300.12, Status: "Stable"}, r)
}

func TestActuator_ReadCurrentErrors(t *testing.T) {
	link := newFakeLink()
	link.reply("FIELD?", "garbage")
	a := NewActuator(link, nil)

	_, err := a.ReadCurrent(context.Background(), device.Field)
	assert.ErrorIs(t, err, device.ErrDeviceComm)

	link.err = errors.New("unplugged")
	_, err = a.ReadCurrent(context.Background(), device.Field)
	assert.ErrorIs(t, err, device.ErrDeviceComm)
}

func TestActuator_WaitUntilSettledPolls(t *testing.T) {
	link := newFakeLink()
	link.reply("FIELD?", "80,Charging", "95,Charging", "100,Holding (Driven)")
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	a := NewActuator(link, clock)

	err := a.WaitUntilSettled(context.Background(), device.Field, 3*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second, time.Second, time.Second}, clock.Waits())
	assert.Len(t, link.Sent(), 3)
}

func TestActuator_WaitUntilSettledTimeout(t *testing.T) {
	link := newFakeLink()
	link.reply("TEMP?", "250,Chasing")
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	a := NewActuator(link, clock)

	err := a.WaitUntilSettled(context.Background(), device.Temperature, 0, 5*time.Second)
	assert.ErrorIs(t, err, device.ErrDeviceTimeout)
	assert.GreaterOrEqual(t, clock.TotalWait(), 5*time.Second)
}

func TestActuator_WaitUntilSettledCancelled(t *testing.T) {
	link := newFakeLink()
	link.reply("FIELD?", "0,Charging")
	a := NewActuator(link, timeutil.NewMockClock(time.Unix(0, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.WaitUntilSettled(ctx, device.Field, time.Second, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, device.ErrDeviceComm)
}

func TestSettled(t *testing.T) {
	assert.True(t, Settled("Stable"))
	assert.True(t, Settled("Holding (Driven)"))
	assert.True(t, Settled("persistent stable"))
	assert.False(t, Settled("Charging"))
	assert.False(t, Settled("Chasing"))
}

func TestVNA_Configure(t *testing.T) {
	link := newFakeLink()
	v := NewVNA(link, "")
	opts := device.InstrumentOptions{
		SParameter:     device.String("S21"),
		PowerDBm:       device.Float64(-10),
		StartFreqHz:    device.Float64(2e9),
		PointCount:     device.Int(201),
		AveragingCount: device.Int(8),
	}
	require.NoError(t, v.Configure(context.Background(), opts))

	assert.Equal(t, []string{
		":CALC:PAR:SEL 'My_measure'",
		":CALC:PAR:MOD:EXT S21",
		":SOUR:POW -10",
		":SENSe1:FREQ:STAR 2000000000",
		":SENSe1:SWEep:POIN 201",
		":SENSe1:AVERage:STATe ON",
		":SENSe1:AVERage:COUNt 8",
	}, link.Sent())
}

func TestVNA_ConfigureEmptyIsSelectOnly(t *testing.T) {
	link := newFakeLink()
	require.NoError(t, NewVNA(link, "m").Configure(context.Background(), device.InstrumentOptions{}))
	assert.Equal(t, []string{":CALC:PAR:SEL 'm'"}, link.Sent())
}

func TestVNA_State(t *testing.T) {
	link := newFakeLink()
	link.reply(":SENS:FREQ:STAR?", "+2.000000000E+009")
	link.reply(":SENS:FREQ:STOP?", "+8.000000000E+009")
	link.reply(":SENSe1:SWEep:POIN?", "+201")
	link.reply(":SENSe1:AVERage:COUNt?", "+4")
	link.reply(":CALC:PAR:CAT?", `"My_measure,S21"`)

	st, err := NewVNA(link, "").State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, device.InstrumentState{
		StartFreqHz: 2e9, StopFreqHz: 8e9, PointCount: 201, AveragingCount: 4, SParameter: "S21",
	}, st)
}

func TestVNA_ReadComplexSamples(t *testing.T) {
	link := newFakeLink()
	link.reply(":CALCulate:DATA? SDATA", "3.0,4.0,-1E-3,+2.5E-2")
	v := NewVNA(link, "")

	require.NoError(t, v.ClearAverages(context.Background()))
	raw, err := v.ReadComplexSamples(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, -0.001, 0.025}, raw)
	assert.Contains(t, link.Sent(), ":SENSe1:AVERage:CLEar")
}

func TestParseASCIIValues_Bad(t *testing.T) {
	_, err := ParseASCIIValues("1,2,x")
	assert.ErrorIs(t, err, device.ErrDeviceComm)

	vals, err := ParseASCIIValues("  ")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestParseCatalogSParameter(t *testing.T) {
	assert.Equal(t, "S11", ParseCatalogSParameter("'My_measure,S11'"))
	assert.Equal(t, "S21", ParseCatalogSParameter(`"m,S21_1"`))
	assert.Equal(t, "", ParseCatalogSParameter("nonsense"))
}

func TestUseGPIBBridge(t *testing.T) {
	link := newFakeLink()
	require.NoError(t, UseGPIBBridge(context.Background(), link, 16))
	assert.Equal(t, "++addr 16", link.Sent()[1])
}

func TestVNA_SetupOverSerialMux(t *testing.T) {
	port := serialmux.NewScriptedPort(func(cmd string) (string, bool) {
		if strings.HasSuffix(cmd, "?") {
			return "0", true
		}
		return "", false
	})
	mux := serialmux.NewSerialMux(port)
	defer mux.Close()

	require.NoError(t, NewVNA(mux, "").Setup(context.Background(), "S21"))
	assert.Equal(t, ":CALC:PAR:DEF:EXT 'My_measure', 'S21'", port.Written()[2])
}

// traceReply returns an SDATA reply of n complex points.
func traceReply(n int) string {
	vals := make([]string, 0, 2*n)
	for i := 0; i < n; i++ {
		vals = append(vals, "-1.23456789012345E-02", "+9.87654321098765E-01")
	}
	return strings.Join(vals, ",")
}

func TestVNA_ReadFullTraceOverSerialMux(t *testing.T) {
	trace := traceReply(1601)
	require.Greater(t, len(trace), 64*1024)
	port := serialmux.NewScriptedPort(func(cmd string) (string, bool) {
		switch cmd {
		case ":CALCulate:DATA? SDATA":
			return trace, true
		case ":CALC:PAR:CAT?":
			return "'My_measure,S21'", true
		}
		if strings.HasSuffix(cmd, "?") {
			return "1601", true
		}
		return "", false
	})
	mux := serialmux.NewSerialMux(port)
	defer mux.Close()

	vna := NewVNA(mux, "")
	ctx := context.Background()
	samples, err := vna.ReadComplexSamples(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 3202)
	assert.InDelta(t, -1.23456789012345e-2, samples[0], 1e-15)
	assert.InDelta(t, 9.87654321098765e-1, samples[3201], 1e-15)

	st, err := vna.State(ctx)
	require.NoError(t, err, "link still answers after a full trace")
	assert.Equal(t, 1601, st.PointCount)
	assert.Equal(t, "S21", st.SParameter)
}

func TestVNA_TraceTimeoutScalesWithPoints(t *testing.T) {
	link := &timedLink{fakeLink: newFakeLink(), timeouts: map[string]time.Duration{}}
	link.reply(":CALCulate:DATA? SDATA", "1,0")
	vna := NewVNA(link, "")
	ctx := context.Background()

	_, err := vna.ReadComplexSamples(ctx)
	require.NoError(t, err)
	assert.Equal(t, serialmux.DefaultQueryTimeout+1601*DefaultTracePointTime, link.timeouts[":CALCulate:DATA? SDATA"])

	n := 20001
	require.NoError(t, vna.Configure(ctx, device.InstrumentOptions{PointCount: &n}))
	_, err = vna.ReadComplexSamples(ctx)
	require.NoError(t, err)
	got := link.timeouts[":CALCulate:DATA? SDATA"]
	assert.Equal(t, serialmux.DefaultQueryTimeout+20001*DefaultTracePointTime, got)
	assert.Greater(t, got, 15*time.Minute)
}
