// Package api exposes the scanner over HTTP: corner capture, plan
// generation and preview, jogging, and run control with live progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/platescan/internal/config"
	"github.com/banshee-data/platescan/internal/experiment"
	"github.com/banshee-data/platescan/internal/gcode"
	"github.com/banshee-data/platescan/internal/geometry"
	"github.com/banshee-data/platescan/internal/plan"
	"github.com/banshee-data/platescan/internal/preview"
	"github.com/banshee-data/platescan/internal/rundb"
	"github.com/banshee-data/platescan/internal/sequencer"
	"github.com/banshee-data/platescan/internal/version"
)

// Server wires the HTTP surface to the planning core and the sequencer. All
// hardware writes still flow through the printer/sequencer, never directly
// from handlers.
type Server struct {
	printer  *gcode.Printer
	seq      *sequencer.Sequencer
	db       *rundb.DB
	settings *config.Settings
	hub      *progressHub

	// Camera acquires well images for experiments. Defaults to the stub;
	// swap in a real implementation before serving.
	Camera experiment.Camera

	mu         sync.Mutex
	corners    geometry.Corners
	cornersSet map[string]bool
	plan       *plan.Plan
}

// NewServer assembles the API server. db may be nil to disable history.
func NewServer(printer *gcode.Printer, seq *sequencer.Sequencer, db *rundb.DB, settings *config.Settings) *Server {
	return &Server{
		printer:    printer,
		seq:        seq,
		db:         db,
		settings:   settings,
		hub:        newProgressHub(),
		Camera:     experiment.StubCamera{},
		cornersSet: make(map[string]bool),
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/corner", s.captureCorner)
	mux.HandleFunc("/api/corners", s.showCorners)
	mux.HandleFunc("/api/plan", s.planHandler)
	mux.HandleFunc("/api/plan/estimate", s.showEstimate)
	mux.HandleFunc("/api/plan/preview", s.showPreview)
	mux.HandleFunc("/api/move", s.moveHandler)
	mux.HandleFunc("/api/home", s.homeHandler)
	mux.HandleFunc("/api/run", s.runHandler)
	mux.HandleFunc("/api/experiment", s.experimentHandler)
	mux.HandleFunc("/api/abort", s.abortHandler)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/progress", s.tailProgress)
	mux.HandleFunc("/api/runs", s.showRuns)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

var cornerNames = []string{"top_left", "top_right", "bottom_left", "bottom_right"}

// captureCorner records the current open-loop stage position as one of the
// four plate corners, the same flow as the original jog-and-capture UI.
func (s *Server) captureCorner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := r.FormValue("name")
	pos := s.printer.Position()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "top_left":
		s.corners.TopLeft = pos
	case "top_right":
		s.corners.TopRight = pos
	case "bottom_left":
		s.corners.BottomLeft = pos
	case "bottom_right":
		s.corners.BottomRight = pos
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown corner %q", name))
		return
	}
	s.cornersSet[name] = true
	// corner moved: any previously generated plan is stale
	s.plan = nil

	s.writeJSON(w, map[string]interface{}{"corner": name, "position": pos})
}

func (s *Server) showCorners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	missing := []string{}
	for _, name := range cornerNames {
		if !s.cornersSet[name] {
			missing = append(missing, name)
		}
	}
	s.writeJSON(w, map[string]interface{}{"corners": s.corners, "missing": missing})
}

func (s *Server) planHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		p := s.plan
		s.mu.Unlock()
		if p == nil {
			s.writeJSONError(w, http.StatusNotFound, "no plan generated")
			return
		}
		s.writeJSON(w, p)

	case http.MethodPost:
		s.generatePlan(w, r)

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) generatePlan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range cornerNames {
		if !s.cornersSet[name] {
			s.writeJSONError(w, http.StatusPreconditionFailed, fmt.Sprintf("corner %q not captured", name))
			return
		}
	}

	var strategy plan.Strategy
	switch order := r.FormValue("order"); order {
	case "", "serpentine":
		strategy = plan.Serpentine
	case "raster":
		strategy = plan.Raster
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown traversal order %q", order))
		return
	}

	rows := s.settings.GetPlateRows()
	cols := s.settings.GetPlateCols()
	mapping, err := geometry.Resolve(s.corners, rows, cols, s.settings.GetMinCornerSeparation())
	if err != nil {
		s.writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	p, err := plan.Generate(mapping, strategy)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.plan = p
	s.writeJSON(w, p)
}

func (s *Server) currentPlan() *plan.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

func (s *Server) showEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p := s.currentPlan()
	if p == nil {
		s.writeJSONError(w, http.StatusNotFound, "no plan generated")
		return
	}

	kin := plan.Kinematics{
		FeedRate:     s.settings.GetFeedRate(),
		Acceleration: s.settings.GetAcceleration(),
		TypicalLeg:   s.settings.GetWellSpacing(),
	}
	est, err := plan.EstimateTravel(p, kin, s.settings.GetDwellPerWell())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"travel_seconds": est.Travel.Seconds(),
		"dwell_seconds":  est.Dwell.Seconds(),
		"total_seconds":  est.Total.Seconds(),
		"legs":           len(est.Legs),
	})
}

func (s *Server) showPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p := s.currentPlan()
	if p == nil {
		s.writeJSONError(w, http.StatusNotFound, "no plan generated")
		return
	}

	d := preview.Build(p)
	if r.URL.Query().Get("format") == "json" {
		s.writeJSON(w, d)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	title := fmt.Sprintf("Plate traversal (%dx%d)", p.Layout.Rows, p.Layout.Cols)
	if err := preview.RenderHTML(d, title, w); err != nil {
		log.Printf("failed to render preview: %v", err)
	}
}

func (s *Server) moveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.seq.Active() {
		s.writeJSONError(w, http.StatusConflict, "cannot jog while a run is active")
		return
	}

	var target geometry.Point
	for name, dst := range map[string]*float64{"x": &target.X, "y": &target.Y, "z": &target.Z} {
		raw := r.FormValue(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s coordinate %q", name, raw))
			return
		}
		*dst = v
	}

	if err := s.printer.MoveTo(r.Context(), target); err != nil {
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.recordCommand(fmt.Sprintf("move X%.3f Y%.3f Z%.3f", target.X, target.Y, target.Z))
	s.writeJSON(w, map[string]interface{}{"position": s.printer.Position()})
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.seq.Active() {
		s.writeJSONError(w, http.StatusConflict, "cannot home while a run is active")
		return
	}
	if err := s.printer.Home(r.Context()); err != nil {
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.recordCommand("home")
	s.writeJSON(w, map[string]interface{}{"position": s.printer.Position()})
}

func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p := s.currentPlan()
	if p == nil {
		s.writeJSONError(w, http.StatusPreconditionFailed, "no plan generated")
		return
	}
	if s.seq.Active() {
		s.writeJSONError(w, http.StatusConflict, sequencer.ErrBusy.Error())
		return
	}

	// The run outlives the request: it executes on its own goroutine and
	// reports through the progress hub. The run record is created from
	// OnAccepted so a request that loses the race to the sequencer leaves
	// no row behind.
	go func() {
		var runID string
		err := s.seq.Run(context.Background(), p, sequencer.RunOptions{
			OnAccepted: func() {
				if s.db == nil {
					return
				}
				id, err := s.db.CreateRun(p.Layout.Rows, p.Layout.Cols)
				if err != nil {
					log.Printf("failed to create run record: %v", err)
					return
				}
				runID = id
			},
			OnProgress: s.hub.Publish,
		})
		if errors.Is(err, sequencer.ErrBusy) {
			return
		}

		outcome := "completed"
		switch {
		case errors.Is(err, sequencer.ErrAborted):
			outcome = "aborted"
		case err != nil:
			outcome = "failed"
			log.Printf("run failed: %v", err)
		}
		if s.db != nil && runID != "" {
			if err := s.db.FinishRun(runID, outcome); err != nil {
				log.Printf("failed to finish run record: %v", err)
			}
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// experimentHandler starts a repeated capture experiment over the current
// plan: every pass visits each well and acquires an image named
// <prefix>_Well_<label>_<iteration>.<ext> under the given folder.
func (s *Server) experimentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p := s.currentPlan()
	if p == nil {
		s.writeJSONError(w, http.StatusPreconditionFailed, "no plan generated")
		return
	}
	if s.seq.Active() {
		s.writeJSONError(w, http.StatusConflict, sequencer.ErrBusy.Error())
		return
	}

	cfg := experiment.Config{
		Folder:   r.FormValue("folder"),
		Prefix:   r.FormValue("prefix"),
		ImageExt: r.FormValue("ext"),
	}
	if cfg.Folder == "" || cfg.Prefix == "" {
		s.writeJSONError(w, http.StatusBadRequest, "folder and prefix are required")
		return
	}
	if raw := r.FormValue("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration %q", raw))
			return
		}
		cfg.Duration = d
	}

	runner := experiment.NewRunner(s.seq, s.Camera, s.db, cfg)
	go func() {
		if err := runner.Run(context.Background(), p, s.hub.Publish); err != nil {
			log.Printf("experiment failed: %v", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

func (s *Server) abortHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.seq.Abort()
	s.writeJSON(w, map[string]string{"status": "abort requested"})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"active":   s.seq.Active(),
		"progress": s.seq.Status(),
		"position": s.printer.Position(),
		"version":  version.Version,
	})
}

// tailProgress streams state transitions as Server-Sent Events until the
// client disconnects.
func (s *Server) tailProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(p)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) showRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "run history disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = v
	}

	runs, err := s.db.Runs(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, runs)
}

func (s *Server) recordCommand(command string) {
	if s.db == nil {
		return
	}
	if err := s.db.RecordCommand("", command); err != nil {
		log.Printf("failed to record command: %v", err)
	}
}

// loggingResponseWriter captures the status code for request logging.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%d] %s %s %vms",
			lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
