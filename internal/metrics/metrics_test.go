package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/sweep"
)

func TestObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))

	m.PointPersisted("S21")
	m.PointPersisted("S21")
	m.PointPersisted("S12")
	m.SettleWaited(device.Field, 3*time.Second)
	m.RunFinished(sweep.StatusCancelled, 2*time.Minute)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PointsPersisted.WithLabelValues("S21")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PointsPersisted.WithLabelValues("S12")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("cancelled")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SettleDuration))
}

func TestReadings(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Readings(4.2, -1500)
	assert.Equal(t, 4.2, testutil.ToFloat64(m.Temperature))
	assert.Equal(t, -1500.0, testutil.ToFloat64(m.Field))
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/state", "418")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "http_requests_total"), body)
	assert.Contains(t, body, "sweep_active_runs")
}

func TestMiddleware_PatternLabel(t *testing.T) {
	m := New(prometheus.NewRegistry())
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := m.Middleware(mux)
	for _, id := range []string{"a", "b"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/runs/"+id, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/runs/{id}", "204")))
}
