// Package metrics defines the Prometheus collectors for sweep runs and the
// live status readings, and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/sweep"
)

// Metrics holds all collectors. It implements sweep.Observer.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	ActiveRuns       prometheus.Gauge
	PointsPersisted  *prometheus.CounterVec
	SettleDuration   *prometheus.HistogramVec
	Temperature      prometheus.Gauge
	Field            prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestsTime *prometheus.HistogramVec
}

var _ sweep.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_runs_total",
				Help: "Finished sweep runs by terminal status.",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sweep_run_duration_seconds",
				Help:    "Wall time of finished sweep runs.",
				Buckets: prometheus.ExponentialBuckets(60, 2, 10),
			},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sweep_active_runs",
				Help: "1 while a sweep run is in progress.",
			},
		),
		PointsPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_points_persisted_total",
				Help: "Dataset files written, by S-parameter.",
			},
			[]string{"s_parameter"},
		),
		SettleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweep_settle_wait_seconds",
				Help:    "Time spent waiting for a quantity to settle.",
				Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"quantity"},
		),
		Temperature: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "actuator_temperature_kelvin",
				Help: "Last polled sample temperature.",
			},
		),
		Field: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "actuator_field_oersted",
				Help: "Last polled magnetic field.",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests by method, path and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestsTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.PointsPersisted,
		m.SettleDuration,
		m.Temperature,
		m.Field,
		m.HTTPRequests,
		m.HTTPRequestsTime,
	)
	return m
}

func (m *Metrics) RunStarted() { m.ActiveRuns.Set(1) }

func (m *Metrics) RunFinished(status sweep.Status, elapsed time.Duration) {
	m.ActiveRuns.Set(0)
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PointPersisted(sParameter string) {
	m.PointsPersisted.WithLabelValues(sParameter).Inc()
}

func (m *Metrics) SettleWaited(q device.Quantity, d time.Duration) {
	m.SettleDuration.WithLabelValues(q.String()).Observe(d.Seconds())
}

// Readings records the latest polled values.
func (m *Metrics) Readings(temperature, field float64) {
	m.Temperature.Set(temperature)
	m.Field.Set(field)
}

// Middleware records request count and latency for next. Requests routed
// by a ServeMux are labelled with the matched pattern rather than the raw
// path, so "/api/runs/{id}" is one series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestsTime.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the scrape handler for g. A nil g uses the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// Flush lets streaming handlers work through the middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
