package liveview

import (
	"bytes"
	"context"
	"image/png"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/fsutil"
	"github.com/banshee-data/coupling.report/internal/sweep"
	"github.com/banshee-data/coupling.report/internal/testutil"
	"github.com/banshee-data/coupling.report/internal/timeutil"
)

// scaledSamples returns n-th reads whose magnitude is n times |3+4i|.
func scaledSamples(n int, st device.InstrumentState) []float64 {
	raw := make([]float64, 2*st.PointCount)
	for i := 0; i < st.PointCount; i++ {
		raw[2*i], raw[2*i+1] = 3*float64(n), 4*float64(n)
	}
	return raw
}

func newTraceReader(t *testing.T) (*TraceReader, *device.FakeInstrument, *device.FakeActuator, *fsutil.MemoryFileSystem) {
	t.Helper()
	inst := device.NewFakeInstrument(2e9, 4e9, 5, 1)
	act := device.NewFakeActuator(150, 300)
	mfs := fsutil.NewMemoryFileSystem()
	r := NewTraceReader(inst, dataset.NewStore(mfs))
	r.Actuator = act
	r.Clock = timeutil.NewMockClock(time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC))
	return r, inst, act, mfs
}

func TestTraceReader_Read(t *testing.T) {
	r, _, _, _ := newTraceReader(t)
	tr, err := r.Read(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "S21", tr.SParameter)
	require.NotNil(t, tr.FieldOe)
	assert.Equal(t, 150.0, *tr.FieldOe)
	assert.Equal(t, []float64{2e9, 2.5e9, 3e9, 3.5e9, 4e9}, tr.FrequencyHz)
	for _, db := range tr.LogMagnitudeDb {
		assert.InDelta(t, 20*math.Log10(5), db, 1e-9)
	}
	assert.Equal(t, []float64{3, 3, 3, 3, 3}, tr.Real)
	assert.Equal(t, []float64{4, 4, 4, 4, 4}, tr.Imag)
	assert.Nil(t, tr.NormalizedDb)
	assert.Zero(t, tr.ReferencePoints)
}

func TestTraceReader_ReadWithoutActuator(t *testing.T) {
	inst := device.NewFakeInstrument(2e9, 4e9, 3, 1)
	r := NewTraceReader(inst, dataset.NewStore(fsutil.NewMemoryFileSystem()))
	tr, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tr.FieldOe)

	assert.ErrorIs(t, r.SetField(context.Background(), 100, 0), errNoActuator)
}

func TestTraceReader_ReadMalformed(t *testing.T) {
	r, inst, _, _ := newTraceReader(t)
	inst.Samples = func(int, device.InstrumentState) []float64 { return []float64{1, 2, 3} }
	_, err := r.Read(context.Background())
	assert.Error(t, err)
}

func TestTraceReader_Reference(t *testing.T) {
	r, inst, _, _ := newTraceReader(t)
	inst.Samples = scaledSamples
	ctx := context.Background()

	ref, err := r.SetReference(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, ref.ReferencePoints)
	assert.Equal(t, make([]float64, 5), ref.NormalizedDb)

	// The second read is twice the reference magnitude: +6.02 dB.
	tr, err := r.Read(ctx)
	require.NoError(t, err)
	require.Len(t, tr.NormalizedDb, 5)
	for _, db := range tr.NormalizedDb {
		assert.InDelta(t, 20*math.Log10(2), db, 1e-9)
	}
	assert.Equal(t, tr.NormalizedDb, tr.Displayed())

	// A point count change leaves the reference unused.
	n := 7
	require.NoError(t, inst.Configure(ctx, device.InstrumentOptions{PointCount: &n}))
	tr, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, tr.NormalizedDb)
	assert.Equal(t, 5, tr.ReferencePoints)

	r.ClearReference()
	require.NoError(t, inst.Configure(ctx, device.InstrumentOptions{PointCount: device.Int(5)}))
	tr, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, tr.NormalizedDb)
	assert.Equal(t, tr.LogMagnitudeDb, tr.Displayed())
}

func TestTraceReader_Save(t *testing.T) {
	r, inst, _, mfs := newTraceReader(t)
	inst.Samples = scaledSamples
	ctx := context.Background()
	_, err := r.SetReference(ctx)
	require.NoError(t, err)

	saved, err := r.Save(ctx, "/data", "", ViewLog)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "traces", "2026_10_16_09_30_00.csv"), saved.Data)
	assert.Equal(t, filepath.Join("/data", "traces", "2026_10_16_09_30_00.png"), saved.Graph)

	d, err := dataset.NewStore(mfs).Read(saved.Data)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Len())
	assert.Equal(t, []float64{150, 150, 150, 150, 150}, d.AxisValue)
	assert.InDelta(t, 20*math.Log10(2), d.MagnitudeDb[0], 1e-9, "dB column is the normalized trace")
	assert.Equal(t, []float64{6, 6, 6, 6, 6}, d.Real)

	raw, err := mfs.ReadFile(saved.Graph)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	saved, err = r.Save(ctx, "/data", "empty cavity/run 1", ViewSmith)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "traces", "empty_cavity_run_1.csv"), saved.Data)
}

func TestTraceReader_SetField(t *testing.T) {
	r, _, act, _ := newTraceReader(t)
	ctx := context.Background()
	require.NoError(t, r.SetField(ctx, -500, 0))
	require.NoError(t, r.SetField(ctx, 250, 50))
	assert.Equal(t, []device.Move{
		{Quantity: device.Field, Value: -500, Rate: DefaultFieldRate},
		{Quantity: device.Field, Value: 250, Rate: 50},
	}, act.Moves())
}

func TestNewTracePlot_Views(t *testing.T) {
	r, _, _, _ := newTraceReader(t)
	tr, err := r.Read(context.Background())
	require.NoError(t, err)

	p, err := NewTracePlot(tr, ViewLog)
	require.NoError(t, err)
	assert.Equal(t, "S21", p.Title.Text)

	p, err = NewTracePlot(tr, ViewSmith)
	require.NoError(t, err)
	assert.Equal(t, "S21 Smith chart", p.Title.Text)
	assert.Equal(t, -1.05, p.X.Min)

	_, err = NewTracePlot(tr, "polar")
	assert.Error(t, err)
}

func TestTraceEndpoints_NotConfigured(t *testing.T) {
	s := newTestServer(t, Config{})
	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/api/trace"},
		{http.MethodGet, "/trace.png"},
		{http.MethodPost, "/api/trace/reference"},
		{http.MethodDelete, "/api/trace/reference"},
		{http.MethodPost, "/api/trace/save"},
		{http.MethodPost, "/api/field"},
	} {
		rec := testutil.Serve(s.Handler(), c.method, c.path, nil)
		testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
	}
}

func TestTraceEndpoints_RefusedWhileRunning(t *testing.T) {
	r, inst, act, _ := newTraceReader(t)
	runner := &fakeRunner{state: sweep.State{Status: sweep.StatusRunningFieldSweep}}
	s := newTestServer(t, Config{Runner: runner, Traces: r})

	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/api/trace"},
		{http.MethodGet, "/trace.png"},
		{http.MethodPost, "/api/trace/reference"},
		{http.MethodPost, "/api/trace/save"},
		{http.MethodPost, "/api/field"},
	} {
		rec := testutil.Serve(s.Handler(), c.method, c.path, strings.NewReader(`{"field_oe": 10}`))
		testutil.AssertStatusCode(t, rec.Code, http.StatusConflict)
	}
	assert.Zero(t, inst.ReadCount())
	assert.Empty(t, act.Moves())
}

func TestTraceEndpoints(t *testing.T) {
	r, inst, act, mfs := newTraceReader(t)
	inst.Samples = scaledSamples
	s := newTestServer(t, Config{Traces: r})
	h := s.Handler()

	rec := testutil.Serve(h, http.MethodGet, "/api/trace", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	tr := testutil.DecodeJSON[Trace](t, rec)
	assert.Len(t, tr.FrequencyHz, 5)
	assert.Nil(t, tr.NormalizedDb)

	rec = testutil.Serve(h, http.MethodPost, "/api/trace/reference", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 5, testutil.DecodeJSON[Trace](t, rec).ReferencePoints)

	rec = testutil.Serve(h, http.MethodGet, "/api/trace", nil)
	tr = testutil.DecodeJSON[Trace](t, rec)
	require.Len(t, tr.NormalizedDb, 5)
	assert.InDelta(t, 20*math.Log10(3.0/2.0), tr.NormalizedDb[0], 1e-9)

	rec = testutil.Serve(h, http.MethodDelete, "/api/trace/reference", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rec = testutil.Serve(h, http.MethodGet, "/api/trace", nil)
	assert.Nil(t, testutil.DecodeJSON[Trace](t, rec).NormalizedDb)

	rec = testutil.Serve(h, http.MethodGet, "/trace.png?view=smith&width=480&height=480", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 480, img.Bounds().Dx())

	rec = testutil.Serve(h, http.MethodGet, "/trace.png?view=polar", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Serve(h, http.MethodPost, "/api/trace/save?name=baseline", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusCreated)
	saved := testutil.DecodeJSON[SavedTrace](t, rec)
	assert.Equal(t, filepath.Join("/data", "traces", "baseline.csv"), saved.Data)
	assert.True(t, mfs.Exists(saved.Data))
	assert.True(t, mfs.Exists(saved.Graph))

	rec = testutil.Serve(h, http.MethodPost, "/api/field", strings.NewReader(`{"field_oe": -300, "rate_oe_per_s": 25}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	assert.Equal(t, []device.Move{{Quantity: device.Field, Value: -300, Rate: 25}}, act.Moves())

	rec = testutil.Serve(h, http.MethodPost, "/api/field", strings.NewReader(`{"rate_oe_per_s": 25}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Serve(h, http.MethodPut, "/api/trace/reference", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestTraceEndpoints_DeviceFailure(t *testing.T) {
	r, inst, _, _ := newTraceReader(t)
	inst.ReadErr = device.ErrDeviceComm
	s := newTestServer(t, Config{Traces: r})

	rec := testutil.Serve(s.Handler(), http.MethodGet, "/api/trace", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadGateway)
}
