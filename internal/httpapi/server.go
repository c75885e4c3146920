package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/service"
	"github.com/openmc/dropwatch/internal/worker"
)

const (
	maxBody     = 1 << 20
	defaultLead = 10 * time.Minute
)

var errBadRequest = errors.New("bad request")

// Service is the orchestration surface exposed over HTTP.
type Service interface {
	MonitorUsername(context.Context, service.MonitorRequest) (model.Result, error)
	StopMonitoring(context.Context) (model.Result, error)
	ClaimUsername(context.Context, service.ClaimRequest) (model.Result, error)
	Authenticate(context.Context, service.AuthRequest) (model.Result, error)
	Account(context.Context) (service.AccountStatus, error)
	Logout(context.Context) (model.Result, error)
	CheckUsername(ctx context.Context, username string) (map[string]any, error)
	DropTime(ctx context.Context, username string) (map[string]any, error)
	ScheduledMonitors(context.Context) ([]model.Job, error)
	ScheduleMonitor(context.Context, model.Job) (model.Job, error)
	SaveScheduledMonitor(context.Context, model.Job) (model.Job, error)
	DeleteScheduledMonitor(ctx context.Context, id string) (bool, error)
	Settings(context.Context) (model.Settings, error)
	SaveSettings(context.Context, model.Settings) (model.Settings, error)
}

// Server wraps HTTP serving of the API and the push websocket.
type Server struct {
	httpServer *http.Server
	svc        Service
	push       http.Handler
}

// New creates a configured HTTP server. push serves the websocket endpoint.
func New(addr string, svc Service, push http.Handler) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		svc:  svc,
		push: push,
	}
	s.registerRoutes(mux)
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve blocks and serves HTTP traffic on l.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens on the configured address and serves until Shutdown.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	slog.Info("http api listening", "addr", l.Addr().String())
	return s.Serve(l)
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	if s.push != nil {
		mux.Handle("GET /ws", s.push)
	}
	mux.HandleFunc("POST /api/monitor", s.handleMonitor)
	mux.HandleFunc("POST /api/monitor/stop", s.handleStopMonitor)
	mux.HandleFunc("POST /api/claim", s.handleClaim)
	mux.HandleFunc("POST /api/authenticate", s.handleAuthenticate)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/check/{username}", s.handleCheck)
	mux.HandleFunc("GET /api/drop-time/{username}", s.handleDropTime)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleSaveSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("GET /api/settings", s.handleSettings)
	mux.HandleFunc("PUT /api/settings", s.handleSaveSettings)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var req service.MonitorRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.svc.MonitorUsername(r.Context(), req)
	respond(w, r, res, err)
}

func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.StopMonitoring(r.Context())
	respond(w, r, res, err)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req service.ClaimRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.svc.ClaimUsername(r.Context(), req)
	respond(w, r, res, err)
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req service.AuthRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.svc.Authenticate(r.Context(), req)
	respond(w, r, res, err)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Account(r.Context())
	respond(w, r, res, err)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Logout(r.Context())
	respond(w, r, res, err)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.CheckUsername(r.Context(), r.PathValue("username"))
	respond(w, r, res, err)
}

func (s *Server) handleDropTime(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.DropTime(r.Context(), r.PathValue("username"))
	respond(w, r, res, err)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ScheduledMonitors(r.Context())
	respond(w, r, res, err)
}

// ScheduleRequest describes a job to arm. MonitorStartTime wins over Lead,
// the default lead is ten minutes.
type ScheduleRequest struct {
	ID               string         `json:"id,omitempty"`
	Username         string         `json:"username"`
	DropTime         time.Time      `json:"dropTime"`
	MonitorStartTime *time.Time     `json:"monitorStartTime,omitempty"`
	Lead             string         `json:"lead,omitempty"`
	AutoClaim        bool           `json:"autoClaim"`
	Strategy         model.Strategy `json:"strategy,omitempty"`
}

func (req ScheduleRequest) Job() (model.Job, error) {
	job := model.Job{
		ID:        req.ID,
		Username:  req.Username,
		DropTime:  req.DropTime,
		AutoClaim: req.AutoClaim,
		Strategy:  req.Strategy,
	}
	switch {
	case req.MonitorStartTime != nil:
		job.MonitorStartTime = *req.MonitorStartTime
	case req.Lead != "":
		lead, err := model.ParseLead(req.Lead)
		if err != nil {
			return model.Job{}, fmt.Errorf("%w: %w", errBadRequest, err)
		}
		job.MonitorStartTime = req.DropTime.Add(-lead)
	default:
		job.MonitorStartTime = req.DropTime.Add(-defaultLead)
	}
	return job, nil
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !readJSON(w, r, &req) {
		return
	}
	job, err := req.Job()
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err = s.svc.ScheduleMonitor(r.Context(), job)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleSaveSchedule(w http.ResponseWriter, r *http.Request) {
	var job model.Job
	if !readJSON(w, r, &job) {
		return
	}
	if job.ID == "" {
		job.ID = r.PathValue("id")
	}
	if job.ID != r.PathValue("id") {
		writeError(w, r, fmt.Errorf("%w: id does not match the path", errBadRequest))
		return
	}
	res, err := s.svc.SaveScheduledMonitor(r.Context(), job)
	respond(w, r, res, err)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.svc.DeleteScheduledMonitor(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, model.Failure(fmt.Sprintf("scheduled monitor %s not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, model.Result{Success: true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Settings(r.Context())
	respond(w, r, res, err)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.Settings
	if !readJSON(w, r, &settings) {
		return
	}
	res, err := s.svc.SaveSettings(r.Context(), settings)
	respond(w, r, res, err)
}

func respond[T any](w http.ResponseWriter, r *http.Request, v T, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, fmt.Errorf("%w: decoding body: %w", errBadRequest, err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, service.FailureResult(err))
}

func statusOf(err error) int {
	var exitErr *worker.ExitError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrInvalidJob),
		errors.Is(err, model.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &exitErr),
		errors.Is(err, service.ErrNoResult),
		errors.Is(err, service.ErrStopped),
		errors.Is(err, worker.ErrNoOutput),
		errors.Is(err, worker.ErrMalformedOutput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
