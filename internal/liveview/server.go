package liveview

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/coupling.report/internal/config"
	"github.com/banshee-data/coupling.report/internal/grid"
	"github.com/banshee-data/coupling.report/internal/httputil"
	"github.com/banshee-data/coupling.report/internal/journal"
	"github.com/banshee-data/coupling.report/internal/metrics"
	"github.com/banshee-data/coupling.report/internal/monitor"
	"github.com/banshee-data/coupling.report/internal/security"
	"github.com/banshee-data/coupling.report/internal/sweep"
	"github.com/banshee-data/coupling.report/internal/version"
)

// RunController is the part of sweep.Runner the server drives.
type RunController interface {
	Start(ctx context.Context, plan sweep.Plan) error
	Stop()
	State() sweep.State
	Running() bool
}

// RunLog is the read side of the run journal.
type RunLog interface {
	ListRuns(ctx context.Context, limit int) ([]journal.Run, error)
	GetRun(ctx context.Context, id string) (journal.Run, error)
	Points(ctx context.Context, runID string) ([]journal.Point, error)
}

// StatusSource reports the idle-time device readings.
type StatusSource interface {
	Latest() monitor.Snapshot
	Suspended() bool
}

// Config wires the server. Runner, Buffer and Assembler are required;
// the rest are optional.
type Config struct {
	Address   string
	Root      string
	Runner    RunController
	Buffer    *Buffer
	Assembler *grid.Assembler

	Poller   StatusSource
	Journal  RunLog
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// Traces enables single trace reads, the reference trace and manual
	// field moves between runs.
	Traces *TraceReader

	// Debug attaches extra admin routes under /debug/, such as the serial
	// consoles and the journal SQL console.
	Debug []func(*tsweb.DebugHandler) error
}

// Server is the live view HTTP server.
type Server struct {
	cfg     Config
	handler http.Handler
	server  *http.Server
	runCtx  context.Context
}

// NewServer builds the routes. It fails if a debug route cannot be
// attached.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil || cfg.Buffer == nil || cfg.Assembler == nil {
		return nil, errors.New("liveview: Runner, Buffer and Assembler are required")
	}
	s := &Server{cfg: cfg, runCtx: context.Background()}
	mux, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.handler = mux
	if cfg.Metrics != nil {
		s.handler = cfg.Metrics.Middleware(mux)
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is done, then shuts down gracefully. Runs
// started over HTTP live under ctx, not under the request.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	errc := make(chan error, 1)
	go func() {
		logf("starting HTTP server on %s", s.cfg.Address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			logf("HTTP server force close error: %v", err)
		}
	}
	logf("HTTP server routine stopped")
	return nil
}

func (s *Server) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/live.png", s.handleLivePNG)
	mux.HandleFunc("/live", s.handleLiveChart)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/grid", s.handleGrid)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/{id}", s.handleRun)
	mux.HandleFunc("/api/trace", s.handleTrace)
	mux.HandleFunc("/api/trace/reference", s.handleTraceReference)
	mux.HandleFunc("/api/trace/save", s.handleTraceSave)
	mux.HandleFunc("/trace.png", s.handleTracePNG)
	mux.HandleFunc("/api/field", s.handleField)
	mux.Handle("/metrics", metrics.Handler(s.cfg.Gatherer))

	debug := tsweb.Debugger(mux)
	for _, attach := range s.cfg.Debug {
		if err := attach(debug); err != nil {
			return nil, fmt.Errorf("attach debug routes: %w", err)
		}
	}
	return mux, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// pixels converts a query value in pixels to a plot length at the default
// 96 DPI, falling back to def outside [100, 4000].
func pixels(q string, def vg.Length) vg.Length {
	px, err := strconv.Atoi(q)
	if err != nil || px < 100 || px > 4000 {
		return def
	}
	return vg.Length(px) * vg.Inch / 96
}

func (s *Server) handleLivePNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	f, _, ok := s.cfg.Buffer.Latest()
	if !ok {
		httputil.NotFound(w, "no frame yet")
		return
	}
	s.writePNG(w, r, f.Grid)
}

func (s *Server) writePNG(w http.ResponseWriter, r *http.Request, g *grid.Grid) {
	width := pixels(r.URL.Query().Get("width"), DefaultWidth)
	height := pixels(r.URL.Query().Get("height"), DefaultHeight)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := RenderPNG(w, g, width, height); err != nil {
		logf("png render: %v", err)
	}
}

func (s *Server) handleLiveChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	f, _, ok := s.cfg.Buffer.Latest()
	if !ok {
		httputil.NotFound(w, "no frame yet")
		return
	}
	st := s.cfg.Runner.State()
	subtitle := fmt.Sprintf("%s  %d/%d points  %s", st.Status, st.PointsPersisted, st.TotalPoints, f.At.Format(time.RFC3339))
	if st.Status.Running() {
		w.Header().Set("Refresh", "5")
	}
	s.writeChart(w, f.Grid, subtitle)
}

func (s *Server) writeChart(w http.ResponseWriter, g *grid.Grid, subtitle string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := RenderChart(w, g, subtitle); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Runner.State())
}

// Status is the /api/status document.
type Status struct {
	Version      version.Info      `json:"version"`
	Running      bool              `json:"running"`
	State        sweep.State       `json:"state"`
	FrameVersion uint64            `json:"frame_version"`
	FrameLabel   string            `json:"frame_label,omitempty"`
	LastOutcome  *Outcome          `json:"last_outcome,omitempty"`
	Monitor      *monitor.Snapshot `json:"monitor,omitempty"`
	Suspended    bool              `json:"monitor_suspended"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := Status{
		Version: version.Current(),
		Running: s.cfg.Runner.Running(),
		State:   s.cfg.Runner.State(),
	}
	if f, v, ok := s.cfg.Buffer.Latest(); ok {
		st.FrameVersion, st.FrameLabel = v, f.Label
	}
	if o, ok := s.cfg.Buffer.Outcome(); ok {
		st.LastOutcome = &o
	}
	if s.cfg.Poller != nil {
		snap := s.cfg.Poller.Latest()
		st.Monitor = &snap
		st.Suspended = s.cfg.Poller.Suspended()
	}
	httputil.WriteJSONOK(w, st)
}

// handleStart starts a run from a run file in the request body, JSON by
// default or YAML when the content type says so. A run file without a
// root uses the server root.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	format := config.FormatJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = config.FormatYAML
	}
	cfg, err := config.Decode(http.MaxBytesReader(w, r.Body, config.MaxFileSize), format)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if cfg.Root == nil && s.cfg.Root != "" {
		root := s.cfg.Root
		cfg.Root = &root
	}
	plan, err := cfg.ToPlan()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	switch err := s.cfg.Runner.Start(s.runCtx, plan); {
	case errors.Is(err, sweep.ErrAlreadyRunning):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, sweep.ErrInvalidPlan):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		logf("run started from %s: %d points under %s", r.RemoteAddr, plan.TotalPoints(), plan.Root)
		httputil.WriteJSON(w, http.StatusAccepted, s.cfg.Runner.State())
	}
}

// handleStop cancels the run and replies once the orchestrator has exited.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.cfg.Runner.Stop()
	httputil.WriteJSONOK(w, s.cfg.Runner.State())
}

// GridJSON is the JSON form of a rebuilt folder grid. Magnitude rows are
// normalized, one row per frequency.
type GridJSON struct {
	Folder        string             `json:"folder"`
	Label         string             `json:"label"`
	Normalization grid.Normalization `json:"normalization"`
	Field         []float64          `json:"field"`
	FrequencyGHz  []float64          `json:"frequency_ghz"`
	Magnitude     [][]float64        `json:"magnitude"`
}

// handleGrid rebuilds any folder under the root.
//
// Query params:
//   - folder (root-relative, e.g. 300.0k/S21)
//   - format: png (default), html or json
//   - norm, split, bias: normalization selector as in run files
func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	folder, err := security.ResolveFolder(s.cfg.Root, q.Get("folder"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	norm, err := normalizationFromQuery(q.Get("norm"), q.Get("split"), q.Get("bias"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	g, err := s.cfg.Assembler.Build(folder, norm)
	switch {
	case errors.Is(err, grid.ErrEmptyFolder), errors.Is(err, fs.ErrNotExist):
		httputil.NotFound(w, err.Error())
		return
	case errors.Is(err, grid.ErrBadNormalization):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return
	}

	switch q.Get("format") {
	case "", "png":
		s.writePNG(w, r, g)
	case "html":
		s.writeChart(w, g, norm.String())
	case "json":
		n := g.Normalized()
		rows, _ := n.Dims()
		out := GridJSON{
			Folder:        q.Get("folder"),
			Label:         g.Label,
			Normalization: norm,
			Field:         g.AxisValues(),
			FrequencyGHz:  g.FrequenciesGHz(),
			Magnitude:     make([][]float64, rows),
		}
		for i := range out.Magnitude {
			out.Magnitude[i] = mat.Row(nil, i, n)
		}
		httputil.WriteJSONOK(w, out)
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown format %q", q.Get("format")))
	}
}

func normalizationFromQuery(code, split, bias string) (grid.Normalization, error) {
	if code == "" {
		return grid.None(), nil
	}
	c, err := strconv.Atoi(code)
	if err != nil {
		return grid.Normalization{}, fmt.Errorf("invalid norm %q", code)
	}
	sp := 0
	if split != "" {
		if sp, err = strconv.Atoi(split); err != nil {
			return grid.Normalization{}, fmt.Errorf("invalid split %q", split)
		}
	}
	b := 0.0
	if bias != "" {
		if b, err = strconv.ParseFloat(bias, 64); err != nil {
			return grid.Normalization{}, fmt.Errorf("invalid bias %q", bias)
		}
	}
	return grid.FromCode(c, sp, b)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Journal == nil {
		httputil.ServiceUnavailable(w, "no run journal configured")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	runs, err := s.cfg.Journal.ListRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

// RunDetail is a journaled run with the files it wrote.
type RunDetail struct {
	journal.Run
	Points []journal.Point `json:"points"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Journal == nil {
		httputil.ServiceUnavailable(w, "no run journal configured")
		return
	}
	id := r.PathValue("id")
	run, err := s.cfg.Journal.GetRun(r.Context(), id)
	if errors.Is(err, journal.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	} else if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	points, err := s.cfg.Journal.Points(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if points == nil {
		points = []journal.Point{}
	}
	httputil.WriteJSONOK(w, RunDetail{Run: run, Points: points})
}
