package liveview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/coupling.report/internal/acquire"
	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/httputil"
	"github.com/banshee-data/coupling.report/internal/security"
	"github.com/banshee-data/coupling.report/internal/timeutil"
	"github.com/banshee-data/coupling.report/internal/units"
)

// TraceFolder is the folder under the root that saved traces go to.
const TraceFolder = "traces"

// DefaultFieldRate is the ramp rate for manual field moves, in Oe/s.
const DefaultFieldRate = 200.0

// traceNameLayout names saved traces after the time they were read.
const traceNameLayout = "2006_01_02_15_04_05"

// Trace views.
const (
	ViewLog   = "log"
	ViewSmith = "smith"
)

// Trace is one analyzer trace read outside a sweep.
type Trace struct {
	SParameter      string    `json:"s_parameter"`
	FieldOe         *float64  `json:"field_oe,omitempty"`
	FrequencyHz     []float64 `json:"frequency_hz"`
	LogMagnitudeDb  []float64 `json:"log_magnitude_db"`
	NormalizedDb    []float64 `json:"normalized_db,omitempty"`
	ReferencePoints int       `json:"reference_points"`
	Real            []float64 `json:"real"`
	Imag            []float64 `json:"imag"`
	At              time.Time `json:"at"`

	point *acquire.MeasurementPoint
}

// Displayed returns the normalized magnitudes when a reference applied,
// otherwise the raw ones.
func (t *Trace) Displayed() []float64 {
	if t.NormalizedDb != nil {
		return t.NormalizedDb
	}
	return t.LogMagnitudeDb
}

// TraceReader reads single traces from the analyzer between runs and keeps
// an optional reference trace that later reads are normalized against.
type TraceReader struct {
	inst  device.InstrumentPort
	store *dataset.Store

	// Actuator, when set, stamps traces with the current field and
	// enables manual field moves.
	Actuator device.ActuatorPort
	Clock    timeutil.Clock

	mu        sync.Mutex
	reference []float64
}

// NewTraceReader returns a reader on inst that saves through store.
func NewTraceReader(inst device.InstrumentPort, store *dataset.Store) *TraceReader {
	return &TraceReader{inst: inst, store: store, Clock: timeutil.RealClock{}}
}

// Read takes one trace with the analyzer's current setup.
func (r *TraceReader) Read(ctx context.Context) (*Trace, error) {
	st, err := r.inst.State(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := r.inst.ReadComplexSamples(ctx)
	if err != nil {
		return nil, err
	}

	tr := &Trace{SParameter: st.SParameter, At: r.Clock.Now()}
	axis := 0.0
	if r.Actuator != nil {
		if reading, err := r.Actuator.ReadCurrent(ctx, device.Field); err != nil {
			logf("trace field read: %v", err)
		} else {
			axis = reading.Value
			tr.FieldOe = &axis
		}
	}
	p, err := acquire.Transform(raw, acquire.Meta{
		StartFreqHz: st.StartFreqHz,
		StopFreqHz:  st.StopFreqHz,
		PointCount:  st.PointCount,
	}, axis)
	if err != nil {
		return nil, err
	}
	tr.point = p
	tr.FrequencyHz = p.Frequencies
	tr.LogMagnitudeDb = p.LogMagnitudeDb
	tr.Real = make([]float64, p.Len())
	tr.Imag = make([]float64, p.Len())
	for i, s := range p.Samples {
		tr.Real[i], tr.Imag[i] = real(s), imag(s)
	}

	r.mu.Lock()
	ref := r.reference
	r.mu.Unlock()
	tr.ReferencePoints = len(ref)
	// A reference taken with another point count no longer lines up.
	if ref != nil && len(ref) == p.Len() {
		tr.NormalizedDb = floats.SubTo(make([]float64, p.Len()), p.LogMagnitudeDb, ref)
	}
	return tr, nil
}

// SetReference reads a trace and keeps its magnitudes as the reference.
func (r *TraceReader) SetReference(ctx context.Context) (*Trace, error) {
	tr, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.reference = append([]float64(nil), tr.LogMagnitudeDb...)
	r.mu.Unlock()
	tr.ReferencePoints = len(tr.LogMagnitudeDb)
	tr.NormalizedDb = make([]float64, len(tr.LogMagnitudeDb))
	return tr, nil
}

// ClearReference drops the reference; later reads are raw.
func (r *TraceReader) ClearReference() {
	r.mu.Lock()
	r.reference = nil
	r.mu.Unlock()
}

// SavedTrace lists the files written by Save.
type SavedTrace struct {
	Data  string `json:"data"`
	Graph string `json:"graph"`
	Trace *Trace `json:"trace"`
}

// Save reads a trace and writes it as a dataset file plus a PNG of the
// given view under {root}/traces. The dB column holds the displayed
// magnitudes. An empty name uses the read time.
func (r *TraceReader) Save(ctx context.Context, root, name, view string) (SavedTrace, error) {
	tr, err := r.Read(ctx)
	if err != nil {
		return SavedTrace{}, err
	}
	if name == "" {
		name = tr.At.Format(traceNameLayout)
	} else {
		name = security.SanitizeFilename(name)
	}
	folder := filepath.Join(root, TraceFolder)

	shown := *tr.point
	shown.LogMagnitudeDb = tr.Displayed()
	data, err := r.store.WriteNamed(&shown, folder, name+dataset.Extension, tr.SParameter)
	if err != nil {
		return SavedTrace{}, err
	}

	var png bytes.Buffer
	if err := RenderTracePNG(&png, tr, view, DefaultWidth, DefaultHeight); err != nil {
		return SavedTrace{}, err
	}
	graph := filepath.Join(folder, name+".png")
	if err := r.store.FS().WriteFile(graph, png.Bytes(), 0o644); err != nil {
		return SavedTrace{}, fmt.Errorf("%w: %s: %v", dataset.ErrIOWrite, graph, err)
	}
	logf("trace saved to %s", data)
	return SavedTrace{Data: data, Graph: graph, Trace: tr}, nil
}

// SetField starts a field ramp to value. It does not wait for the field to
// settle.
func (r *TraceReader) SetField(ctx context.Context, value, rate float64) error {
	if r.Actuator == nil {
		return errNoActuator
	}
	if rate <= 0 {
		rate = DefaultFieldRate
	}
	return r.Actuator.SetTarget(ctx, device.Field, value, rate)
}

var errNoActuator = errors.New("no actuator configured")

// NewTracePlot builds the plot of tr in the given view.
func NewTracePlot(tr *Trace, view string) (*plot.Plot, error) {
	p := plot.New()
	p.Add(plotter.NewGrid())
	switch view {
	case "", ViewLog:
		pts := make(plotter.XYs, 0, len(tr.FrequencyHz))
		for i, f := range tr.FrequencyHz {
			y := tr.Displayed()[i]
			if math.IsNaN(y) || math.IsInf(y, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: f / 1e9, Y: y})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("trace line: %w", err)
		}
		line.Color = color.RGBA{R: 220, A: 255}
		p.Add(line)
		p.Title.Text = tr.SParameter
		if tr.NormalizedDb != nil {
			p.Title.Text += " (normalized)"
		}
		p.X.Label.Text = "Frequency (GHz)"
		p.Y.Label.Text = tr.SParameter + " (" + units.Decibel + ")"
	case ViewSmith:
		for _, c := range []struct{ cx, r float64 }{{0, 1}, {0.5, 0.5}} {
			circle, err := plotter.NewLine(circleXYs(c.cx, c.r))
			if err != nil {
				return nil, err
			}
			circle.Color = color.Gray{Y: 160}
			p.Add(circle)
		}
		pts := make(plotter.XYs, len(tr.Real))
		for i := range pts {
			pts[i] = plotter.XY{X: tr.Real[i], Y: tr.Imag[i]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("trace line: %w", err)
		}
		line.Color = color.RGBA{R: 220, A: 255}
		p.Add(line)
		p.Title.Text = tr.SParameter + " Smith chart"
		p.X.Label.Text = "Re"
		p.Y.Label.Text = "Im"
		p.X.Min, p.X.Max = -1.05, 1.05
		p.Y.Min, p.Y.Max = -1.05, 1.05
	default:
		return nil, fmt.Errorf("unknown view %q", view)
	}
	return p, nil
}

func circleXYs(cx, r float64) plotter.XYs {
	const n = 180
	pts := make(plotter.XYs, n+1)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / n
		pts[i] = plotter.XY{X: cx + r*math.Cos(a), Y: r * math.Sin(a)}
	}
	return pts
}

// RenderTracePNG writes tr as a PNG line plot of the given size.
func RenderTracePNG(w io.Writer, tr *Trace, view string, width, height vg.Length) error {
	p, err := NewTracePlot(tr, view)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("render trace: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

// traceAvailable writes the error reply and returns false when no trace
// reader is configured or a run owns the instrument.
func (s *Server) traceAvailable(w http.ResponseWriter) bool {
	if s.cfg.Traces == nil {
		httputil.ServiceUnavailable(w, "no instrument configured")
		return false
	}
	if s.cfg.Runner.Running() {
		httputil.Conflict(w, "a run is using the instruments")
		return false
	}
	return true
}

func traceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceComm), errors.Is(err, device.ErrDeviceTimeout),
		errors.Is(err, acquire.ErrMalformedSampleData):
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, errNoActuator):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.traceAvailable(w) {
		return
	}
	tr, err := s.cfg.Traces.Read(r.Context())
	if err != nil {
		traceError(w, err)
		return
	}
	httputil.WriteJSONOK(w, tr)
}

// handleTracePNG reads and plots one trace.
//
// Query params:
//   - view: log (default) or smith
//   - width, height in pixels
func (s *Server) handleTracePNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	view := q.Get("view")
	if view != "" && view != ViewLog && view != ViewSmith {
		httputil.BadRequest(w, fmt.Sprintf("unknown view %q", view))
		return
	}
	if !s.traceAvailable(w) {
		return
	}
	tr, err := s.cfg.Traces.Read(r.Context())
	if err != nil {
		traceError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := RenderTracePNG(&buf, tr, view, pixels(q.Get("width"), DefaultWidth), pixels(q.Get("height"), DefaultHeight)); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// handleTraceReference sets the reference from a fresh trace on POST and
// clears it on DELETE.
func (s *Server) handleTraceReference(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.traceAvailable(w) {
			return
		}
		tr, err := s.cfg.Traces.SetReference(r.Context())
		if err != nil {
			traceError(w, err)
			return
		}
		httputil.WriteJSONOK(w, tr)
	case http.MethodDelete:
		if s.cfg.Traces == nil {
			httputil.ServiceUnavailable(w, "no instrument configured")
			return
		}
		s.cfg.Traces.ClearReference()
		httputil.WriteJSONOK(w, map[string]int{"reference_points": 0})
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleTraceSave reads a trace and saves data and graph under the root.
//
// Query params:
//   - name: file name without extension, defaults to the read time
//   - view: graph view, log (default) or smith
func (s *Server) handleTraceSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	view := q.Get("view")
	if view != "" && view != ViewLog && view != ViewSmith {
		httputil.BadRequest(w, fmt.Sprintf("unknown view %q", view))
		return
	}
	if !s.traceAvailable(w) {
		return
	}
	saved, err := s.cfg.Traces.Save(r.Context(), s.cfg.Root, q.Get("name"), view)
	if err != nil {
		traceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, saved)
}

// FieldRequest is the body of POST /api/field.
type FieldRequest struct {
	FieldOe    *float64 `json:"field_oe"`
	RateOePerS float64  `json:"rate_oe_per_s,omitempty"`
}

// handleField starts a manual field ramp between runs.
func (s *Server) handleField(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.traceAvailable(w) {
		return
	}
	var req FieldRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.FieldOe == nil || math.IsNaN(*req.FieldOe) || math.IsInf(*req.FieldOe, 0) {
		httputil.BadRequest(w, "field_oe is required")
		return
	}
	if err := s.cfg.Traces.SetField(r.Context(), *req.FieldOe, req.RateOePerS); err != nil {
		traceError(w, err)
		return
	}
	rate := req.RateOePerS
	if rate <= 0 {
		rate = DefaultFieldRate
	}
	logf("manual field move to %g Oe at %g Oe/s from %s", *req.FieldOe, rate, r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]float64{"field_oe": *req.FieldOe, "rate_oe_per_s": rate})
}
