// Package api serves the HTTP control surface of a robot: state and
// queue inspection, run control and the run journal.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/banshee-data/labrobot/internal/db"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/httputil"
	"github.com/banshee-data/labrobot/internal/metrics"
	"github.com/banshee-data/labrobot/internal/robot"
)

type Server struct {
	robot *robot.Robot
	db    *db.DB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	lastErr string
}

// NewServer returns a server controlling r. database may be nil, in which
// case the run journal routes answer 503.
func NewServer(r *robot.Robot, database *db.DB) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{robot: r, db: database, ctx: ctx, cancel: cancel}
}

// Close cancels background runs and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/diagnostics", s.showDiagnostics)
	mux.HandleFunc("/api/commands", s.handleCommands)
	mux.HandleFunc("/api/warnings", s.handleWarnings)
	mux.HandleFunc("/api/pause", s.control(s.robot.Pause))
	mux.HandleFunc("/api/resume", s.control(s.robot.Resume))
	mux.HandleFunc("/api/stop", s.control(s.robot.Stop))
	mux.HandleFunc("/api/halt", s.control(s.robot.Halt))
	mux.HandleFunc("/api/home", s.home)
	mux.HandleFunc("/api/run", s.run)
	mux.HandleFunc("/api/simulate", s.simulate)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/", s.showRun)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, robot.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, driver.ErrNotConnected), errors.Is(err, driver.ErrHalted):
		return http.StatusConflict
	case errors.Is(err, driver.ErrUnknownAxis):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrRunNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, statusFor(err), err.Error())
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	State     string `json:"state"`
	Simulated bool   `json:"simulated"`
	Running   bool   `json:"running"`
	Queued    int    `json:"queued"`
	Warnings  int    `json:"warnings"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Server) state() StateResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateResponse{
		State:     s.robot.State().String(),
		Simulated: s.robot.Driver().Simulated(),
		Running:   s.running,
		Queued:    len(s.robot.Commands()),
		Warnings:  len(s.robot.Warnings()),
		LastError: s.lastErr,
	}
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.state())
}

func (s *Server) showDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	d, err := s.robot.Diagnostics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, d)
}

// handleCommands lists the queue on GET and clears it on DELETE.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.robot.Commands())
	case http.MethodDelete:
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			writeError(w, robot.ErrBusy)
			return
		}
		s.robot.ClearCommands()
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleWarnings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		warnings := s.robot.Warnings()
		if warnings == nil {
			warnings = []string{}
		}
		httputil.WriteJSONOK(w, warnings)
	case http.MethodDelete:
		s.robot.ClearWarnings()
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// control wraps a run-control action that takes effect at the next
// checkpoint.
func (s *Server) control(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		action()
		opsf("%s requested", r.URL.Path)
		httputil.WriteJSONOK(w, s.state())
	}
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var body struct {
		Axes []string `json:"axes"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.robot.Home(r.Context(), body.Axes...); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.state())
}

// run drains the queue on the hardware. The run continues in the
// background unless the request asks to wait for it.
func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		writeError(w, robot.ErrBusy)
		return
	}
	s.running = true
	s.lastErr = ""
	s.mu.Unlock()

	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.robot.Run(s.ctx)
		s.mu.Lock()
		s.running = false
		if err != nil {
			s.lastErr = err.Error()
		}
		s.mu.Unlock()
		if err != nil {
			opsf("run failed: %v", err)
		}
		done <- err
	}()

	if r.URL.Query().Get("wait") != "true" {
		httputil.WriteJSON(w, http.StatusAccepted, s.state())
		return
	}
	select {
	case err := <-done:
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.state())
	case <-r.Context().Done():
		// the run carries on without the client
	}
}

func (s *Server) simulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	report, err := s.robot.Simulate(r.Context())
	if err != nil {
		if report == nil || errors.Is(err, robot.ErrBusy) {
			writeError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, struct {
			Error  string                  `json:"error"`
			Report *robot.SimulationReport `json:"report"`
		}{err.Error(), report})
		return
	}
	httputil.WriteJSONOK(w, report)
}
