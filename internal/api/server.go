// Package api exposes run control, status and the live event stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/arbiter"
	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/metrics"
	"github.com/AaronLay10/SentientSequencer/internal/runner"
	"github.com/AaronLay10/SentientSequencer/internal/version"
)

const (
	requestTimeout  = 15 * time.Second
	defaultEventsN  = 200
	shutdownTimeout = 5 * time.Second
)

// RunController is the part of runner.Orchestrator the API drives.
type RunController interface {
	Start(plan *runner.Plan) error
	Abort()
	AbortAfterCurrent()
	Status() runner.Status
	ErrorDetected() bool
	ClearError()
	LastError() *runner.RunError
	RunID() string
	Plan() *runner.Plan
}

// Options wires the server. Foreground and Events are required.
type Options struct {
	Station    string
	Foreground RunController
	// Background runs looping background plans. Without it background
	// requests are rejected.
	Background RunController
	Events     *events.Bus
	Arbiter    *arbiter.Arbiter
	Metrics    *metrics.Metrics
	Confirmer  *PromptConfirmer
	Readiness  *Readiness
	Auth       *Auth
	TLS        *TLSConfig
}

// Server is the HTTP front of one station.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Readiness == nil {
		opts.Readiness = NewReadiness(true, true)
	}
	s := &Server{opts: opts}
	s.router = s.routes()

	if opts.Metrics != nil && opts.Events != nil {
		bus := opts.Events
		opts.Metrics.RegisterGaugeFunc("ws_clients", "Connected event stream clients.", func() float64 {
			return float64(bus.SubscriberCount())
		})
		opts.Metrics.RegisterGaugeFunc("events_emitted", "Events emitted since start.", func() float64 {
			return float64(bus.TotalCount())
		})
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	// The websocket outlives any request timeout.
	r.With(s.opts.Auth.RequireAnyRole()).Get("/ws", s.websocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(s.opts.Auth.RequireAnyRole())

		r.Get("/", s.ui)
		r.Get("/events", s.events)

		r.Route("/api/v1/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/status", s.runStatus)
			r.Post("/abort", s.abortRun)
			r.Post("/abort-after-current", s.abortAfterCurrent)
			r.With(s.opts.Auth.RequireAdmin()).Post("/clear-error", s.clearError)
			r.Get("/confirm", s.pendingConfirm)
			r.Post("/confirm", s.answerConfirm)
		})
		r.Get("/api/v1/background", s.background)
	})
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsCfg, err := s.opts.TLS.Load()
	if err != nil {
		return err
	}
	s.http.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		logging.Info("api listening", zap.Int("port", port), zap.Bool("tls", tlsCfg != nil), zap.Bool("auth", s.opts.Auth.Enabled()))
		if tlsCfg != nil {
			errCh <- s.http.ListenAndServeTLS("", "")
		} else {
			errCh <- s.http.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.opts.Events != nil {
			s.opts.Events.CloseAllSubscribers()
		}
		return s.http.Shutdown(shutCtx)
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Station   string `json:"station,omitempty"`
	Hostname  string `json:"hostname"`
	Version   string `json:"version"`
	Timestamp string `json:"ts"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "sequencer",
		Station:   s.opts.Station,
		Hostname:  host,
		Version:   version.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	resp := s.opts.Readiness.Check()
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	n := defaultEventsN
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.opts.Events.RecentEvents(n))
}

// StartRequest is the POST /api/v1/runs body.
type StartRequest struct {
	Ordering    string `json:"ordering"`
	Repeat      bool   `json:"repeat"`
	Background  bool   `json:"background"`
	Calibration bool   `json:"calibration"`
}

type StartResponse struct {
	OK    bool   `json:"ok"`
	RunID string `json:"run_id,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Ordering == "" {
		req.Ordering = runner.FullList.String()
	}
	ordering, err := runner.ParseOrdering(req.Ordering)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	target := s.opts.Foreground
	if req.Background {
		if s.opts.Background == nil {
			writeErr(w, http.StatusBadRequest, "background runs are not available")
			return
		}
		target = s.opts.Background
	}

	plan := runner.NewPlan(ordering, req.Repeat, req.Background, req.Calibration)
	if err := target.Start(plan); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, runner.ErrRunInProgress), errors.Is(err, arbiter.ErrForegroundActive):
			code = http.StatusConflict
		case errors.Is(err, runner.ErrNoSequence):
			code = http.StatusServiceUnavailable
		}
		writeErr(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, StartResponse{OK: true, RunID: plan.ID()})
}

// targetFor picks the foreground controller unless ?target=background.
func (s *Server) targetFor(r *http.Request) (RunController, bool) {
	switch r.URL.Query().Get("target") {
	case "", "foreground":
		return s.opts.Foreground, true
	case "background":
		return s.opts.Background, s.opts.Background != nil
	default:
		return nil, false
	}
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.targetFor(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "unknown target")
		return
	}
	rc.Abort()
	writeJSON(w, http.StatusOK, StartResponse{OK: true, RunID: rc.RunID()})
}

func (s *Server) abortAfterCurrent(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.targetFor(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "unknown target")
		return
	}
	rc.AbortAfterCurrent()
	writeJSON(w, http.StatusOK, StartResponse{OK: true, RunID: rc.RunID()})
}

func (s *Server) clearError(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.targetFor(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "unknown target")
		return
	}
	rc.ClearError()
	writeJSON(w, http.StatusOK, StartResponse{OK: true})
}

// RunState describes one controller.
type RunState struct {
	Status        string         `json:"status"`
	RunID         string         `json:"run_id,omitempty"`
	Ordering      string         `json:"ordering,omitempty"`
	Repeat        bool           `json:"repeat,omitempty"`
	Calibration   bool           `json:"calibration,omitempty"`
	StopRequested bool           `json:"stop_requested,omitempty"`
	ErrorDetected bool           `json:"error_detected"`
	LastError     *RunErrorState `json:"last_error,omitempty"`
}

type RunErrorState struct {
	Kind      string `json:"kind"`
	Iteration int    `json:"iteration"`
	Step      string `json:"step,omitempty"`
	Message   string `json:"message"`
}

type StatusResponse struct {
	Station          string    `json:"station,omitempty"`
	Foreground       RunState  `json:"foreground"`
	Background       *RunState `json:"background,omitempty"`
	BackgroundActive bool      `json:"background_active"`
	ConfirmPending   *Question `json:"confirm_pending,omitempty"`
}

func stateOf(rc RunController) RunState {
	st := RunState{
		Status:        rc.Status().String(),
		RunID:         rc.RunID(),
		ErrorDetected: rc.ErrorDetected(),
	}
	if p := rc.Plan(); p != nil {
		st.Ordering = p.Ordering.String()
		st.Repeat = p.Repeat
		st.Calibration = p.Calibration
		st.StopRequested = p.StopRequested()
	}
	if re := rc.LastError(); re != nil {
		st.LastError = &RunErrorState{
			Kind:      re.Kind.String(),
			Iteration: re.Iteration,
			Step:      re.Step,
			Message:   re.Error(),
		}
	}
	return st
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Station:    s.opts.Station,
		Foreground: stateOf(s.opts.Foreground),
	}
	if s.opts.Background != nil {
		bg := stateOf(s.opts.Background)
		resp.Background = &bg
	}
	if s.opts.Arbiter != nil {
		resp.BackgroundActive = s.opts.Arbiter.Active()
	}
	if s.opts.Confirmer != nil {
		resp.ConfirmPending = s.opts.Confirmer.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

type BackgroundResponse struct {
	Active bool   `json:"active"`
	RunID  string `json:"run_id,omitempty"`
}

func (s *Server) background(w http.ResponseWriter, r *http.Request) {
	var resp BackgroundResponse
	if s.opts.Arbiter != nil {
		if b := s.opts.Arbiter.Current(); b != nil {
			resp.Active = true
			resp.RunID = b.ID()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pendingConfirm(w http.ResponseWriter, r *http.Request) {
	if s.opts.Confirmer == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	q := s.opts.Confirmer.Pending()
	if q == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ConfirmRequest answers a pending question.
type ConfirmRequest struct {
	ID     string `json:"id"`
	Answer bool   `json:"answer"`
}

func (s *Server) answerConfirm(w http.ResponseWriter, r *http.Request) {
	if s.opts.Confirmer == nil {
		writeErr(w, http.StatusNotFound, ErrNoQuestion.Error())
		return
	}
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.opts.Confirmer.Answer(req.ID, req.Answer); err != nil {
		code := http.StatusConflict
		if errors.Is(err, ErrNoQuestion) {
			code = http.StatusNotFound
		}
		writeErr(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encode failed", zap.Error(err))
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, StartResponse{OK: false, Error: msg})
}
