package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/worker"
)

const (
	dropTimeLayout = "2006-01-02 15:04:05"
	dropSoon       = 60 * time.Minute
)

type MonitorRequest struct {
	Username string `json:"username"`
	// Interval in seconds between checks, the stored check interval when zero.
	Interval  float64        `json:"interval,omitempty"`
	AutoClaim bool           `json:"autoClaim"`
	Strategy  model.Strategy `json:"strategy,omitempty"`
	// JobID binds the run to a scheduled job.
	JobID string `json:"-"`
}

// monitorRun is the loop owned state of the live monitor worker.
type monitorRun struct {
	h         *worker.Handle
	username  string
	autoClaim bool
	strategy  model.Strategy
	jobID     string
	resolved  bool
	// claiming is set while the auto-claim worker runs; claimed once it was started.
	claiming bool
	claimed  bool
}

// MonitorUsername starts monitoring, superseding a running monitor. It
// returns once the worker was spawned.
func (s *Service) MonitorUsername(ctx context.Context, req MonitorRequest) (model.Result, error) {
	return call(ctx, s, func(ctx context.Context) (model.Result, error) {
		return s.startMonitor(ctx, req)
	})
}

func (s *Service) startMonitor(ctx context.Context, req MonitorRequest) (model.Result, error) {
	if req.Username == "" {
		return model.Result{}, fmt.Errorf("%w: username is empty", model.ErrInvalidJob)
	}
	strategy, err := s.strategy(ctx, req.Strategy)
	if err != nil {
		return model.Result{}, err
	}
	interval := req.Interval
	if interval <= 0 {
		settings, err := s.settings(ctx)
		if err != nil {
			return model.Result{}, err
		}
		interval = settings.CheckInterval
	}

	if prev := s.monitor; prev != nil {
		s.detachMonitor(ctx, prev, model.Failure("superseded by a newer monitoring request"))
	}

	h, err := s.sup.Start(ctx, worker.KindMonitor, req.Username, formatInterval(interval))
	if err != nil {
		return model.Result{}, err
	}
	r := &monitorRun{
		h:         h,
		username:  req.Username,
		autoClaim: req.AutoClaim,
		strategy:  strategy,
		jobID:     req.JobID,
	}
	s.monitor = r
	s.forward(h, func(ctx context.Context, ev worker.Event) {
		s.onMonitorEvent(ctx, r, ev)
	})
	slog.InfoContext(ctx, "monitoring started", "username", req.Username, "interval", interval, "auto_claim", req.AutoClaim, "job_id", req.JobID, "pid", h.PID())
	return model.Result{Success: true, Message: "Monitoring started"}, nil
}

// launchScheduled is the scheduler launcher; it already runs on the loop.
func (s *Service) launchScheduled(ctx context.Context, job model.Job) error {
	_, err := s.startMonitor(ctx, MonitorRequest{
		Username:  job.Username,
		Interval:  s.monitorInterval,
		AutoClaim: job.AutoClaim,
		Strategy:  job.Strategy,
		JobID:     job.ID,
	})
	return err
}

// StopMonitoring terminates the monitor worker if any.
func (s *Service) StopMonitoring(ctx context.Context) (model.Result, error) {
	return call(ctx, s, func(ctx context.Context) (model.Result, error) {
		if r := s.monitor; r != nil {
			s.detachMonitor(ctx, r, model.Failure("Monitoring stopped by user"))
		}
		s.sup.Stop(worker.KindMonitor)
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{
			"status":  "stopped",
			"message": "Monitoring stopped by user",
		})
		return model.Result{Success: true, Message: "Monitoring stopped"}, nil
	})
}

// detachMonitor drops r as the live monitor. A run with an auto-claim in
// flight keeps its job, the claim outcome reconciles it.
func (s *Service) detachMonitor(ctx context.Context, r *monitorRun, result model.Result) {
	s.monitor = nil
	if r.claiming {
		return
	}
	s.finishMonitor(ctx, r, result)
}

// finishMonitor reconciles the job bound to r, at most once.
func (s *Service) finishMonitor(ctx context.Context, r *monitorRun, result model.Result) {
	r.resolved = true
	if r.jobID == "" {
		return
	}
	id := r.jobID
	r.jobID = ""
	s.sched.HandleMonitoringResult(ctx, id, result)
}

func (s *Service) onMonitorEvent(ctx context.Context, r *monitorRun, ev worker.Event) {
	if ev.Exit != nil {
		s.onMonitorExit(ctx, r, *ev.Exit)
		return
	}
	if s.monitor != r {
		return
	}

	m := ev.Message
	if m.Err != nil {
		slog.WarnContext(ctx, "malformed monitor output", "raw", m.Raw)
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{
			"status": "error",
			"error":  "Failed to parse output from monitoring script",
			"raw":    m.Raw,
		})
		return
	}

	username := m.String("username")
	if username == "" {
		username = r.username
	}

	switch m.Type() {
	case worker.TypeStatus:
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": m.String("status"), "details": m.Fields})
	case worker.TypeCheck:
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": "checking", "details": m.Fields})
	case worker.TypeAvailable:
		s.onAvailable(ctx, r, username, m)
	case worker.TypeDropTime:
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": "drop_time", "details": m.Fields})
		s.onDropTime(ctx, username, m.String("drop_time"))
	case worker.TypeError:
		msg := m.String("error")
		if msg == "" {
			msg = "Unknown error"
		}
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": "error", "error": m.String("error"), "details": m.Fields})
		s.notifyUser(ctx, fmt.Sprintf("Error monitoring %s: %s", username, msg), model.SeverityError)
		if !r.resolved {
			s.finishMonitor(ctx, r, model.Failure(msg))
		}
	case worker.TypeWarning:
		msg := m.String("warning")
		if msg == "" {
			msg = "Unknown warning"
		}
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": "warning", "warning": m.String("warning"), "details": m.Fields})
		s.notifyUser(ctx, fmt.Sprintf("Warning while monitoring %s: %s", username, msg), model.SeverityWarning)
	default:
		slog.DebugContext(ctx, "unknown monitor event", "type", m.Type(), "raw", m.Raw)
	}
}

func (s *Service) onAvailable(ctx context.Context, r *monitorRun, username string, m *worker.Message) {
	s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": "available", "details": m.Fields})
	s.notifyUser(ctx, fmt.Sprintf("Username %s is now available!", username), model.SeveritySuccess)
	if r.claiming || r.claimed {
		return
	}
	if !r.autoClaim {
		if r.resolved {
			return
		}
		s.finishMonitor(ctx, r, model.Result{Success: true, Username: username, Message: "Username is available"})
		return
	}

	r.claiming = true
	r.claimed = true
	s.pushEvent(model.EventMonitoringUpdate, map[string]any{
		"status":  "auto-claiming",
		"details": map[string]any{"username": username, "strategy": r.strategy},
	})
	token := s.authToken(ctx)
	err := s.startClaim(ctx, username, r.strategy, token, func(ctx context.Context, result model.Result, err error) {
		s.onAutoClaim(ctx, r, username, result, err)
	})
	if err != nil {
		s.onAutoClaim(ctx, r, username, model.Result{}, err)
	}
}

func (s *Service) onAutoClaim(ctx context.Context, r *monitorRun, username string, result model.Result, err error) {
	r.claiming = false
	if errors.Is(err, ErrClosed) {
		return
	}
	if err != nil {
		msg := err.Error()
		s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": "claim-failure", "error": msg})
		s.notifyUser(ctx, fmt.Sprintf("Error while claiming %s: %s", username, msg), model.SeverityError)
		s.finishMonitor(ctx, r, model.Failure(msg))
		return
	}

	status := "claim-failure"
	if result.Success {
		status = "claim-success"
		s.notifyUser(ctx, fmt.Sprintf("Successfully claimed username %s!", username), model.SeveritySuccess)
	} else {
		s.notifyUser(ctx, fmt.Sprintf("Failed to claim username %s: %s", username, result.ErrorText("Unknown error")), model.SeverityError)
	}
	s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": status, "details": result})
	s.finishMonitor(ctx, r, result)
}

func (s *Service) onDropTime(ctx context.Context, username, value string) {
	if value == "" {
		return
	}
	at, err := parseDropTime(value)
	if err != nil {
		slog.DebugContext(ctx, "unparsable drop time", "drop_time", value, "error", err)
		return
	}
	until := max(at.Sub(s.clock.Now()), 0)
	if until <= dropSoon {
		minutes := int(until / time.Minute)
		s.notifyUser(ctx, fmt.Sprintf("Username %s will be available in approximately %d minutes!", username, minutes), model.SeverityInfo)
	}
}

func parseDropTime(value string) (time.Time, error) {
	if t, err := time.ParseInLocation(dropTimeLayout, value, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func (s *Service) onMonitorExit(ctx context.Context, r *monitorRun, exit worker.Exit) {
	slog.InfoContext(ctx, "monitoring process exited", "username", r.username, "code", exit.Code, "reason", exit.Reason)
	if s.monitor == r {
		s.monitor = nil
	}
	if r.resolved || r.claiming {
		return
	}

	var msg string
	switch {
	case exit.Reason == worker.ExitTimeout:
		msg = "Monitoring process timed out"
	case exit.Code != 0:
		msg = fmt.Sprintf("Monitoring process exited with code %d", exit.Code)
	default:
		msg = "Monitoring process exited without reporting availability"
	}
	s.pushEvent(model.EventMonitoringUpdate, map[string]any{"status": "error", "error": msg})
	s.finishMonitor(ctx, r, model.Failure(msg))
}
