package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/worker"
)

type ClaimRequest struct {
	Username string         `json:"username"`
	Strategy model.Strategy `json:"strategy,omitempty"`
	// AuthToken is stored for later claims when set.
	AuthToken string `json:"authToken,omitempty"`
}

type AuthRequest struct {
	UseStoredToken bool   `json:"useStoredToken"`
	Email          string `json:"email,omitempty"`
	Password       string `json:"password,omitempty"`
}

type doneFunc func(ctx context.Context, result model.Result, err error)

// request is a claim or authenticate run waiting for its final line.
type request struct {
	kind        worker.Kind
	finalEvent  string
	updateEvent string
	statuses    []map[string]any
	onFinal     func(ctx context.Context, result model.Result) (model.Result, error)
	done        doneFunc
}

func (r *request) resolve(ctx context.Context, result model.Result, err error) {
	done := r.done
	r.done = nil
	if done != nil {
		done(ctx, result, err)
	}
}

// reply returns a doneFunc delivering to a buffered channel.
func reply() (doneFunc, <-chan outcome) {
	ch := make(chan outcome, 1)
	return func(_ context.Context, result model.Result, err error) {
		ch <- outcome{result: result, err: err}
	}, ch
}

type outcome struct {
	result model.Result
	err    error
}

// ClaimUsername runs the claim worker and waits for its final result. A
// failed claim is a result with Success false, process level failures are
// returned as errors.
func (s *Service) ClaimUsername(ctx context.Context, req ClaimRequest) (model.Result, error) {
	if req.Username == "" {
		return model.Result{}, fmt.Errorf("%w: username is empty", model.ErrInvalidJob)
	}
	ch, err := call(ctx, s, func(ctx context.Context) (<-chan outcome, error) {
		if req.AuthToken != "" {
			if err := s.kv.Set(ctx, model.KeyAuthToken, req.AuthToken); err != nil {
				return nil, fmt.Errorf("storing auth token: %w", err)
			}
		}
		strategy, err := s.strategy(ctx, req.Strategy)
		if err != nil {
			return nil, err
		}
		done, ch := reply()
		if err := s.startClaim(ctx, req.Username, strategy, req.AuthToken, done); err != nil {
			return nil, err
		}
		return ch, nil
	})
	if err != nil {
		return model.Result{}, err
	}
	return wait(ctx, ch)
}

// Authenticate runs the authenticate worker. A successful result carrying
// a token and a profile is persisted as the auth session.
func (s *Service) Authenticate(ctx context.Context, req AuthRequest) (model.Result, error) {
	ch, err := call(ctx, s, func(ctx context.Context) (<-chan outcome, error) {
		args := []string{fmt.Sprint(req.UseStoredToken)}
		if req.Email != "" && req.Password != "" {
			args = append(args, req.Email, req.Password)
		}
		done, ch := reply()
		r := &request{
			kind:        worker.KindAuthenticate,
			finalEvent:  model.EventAuthStatus,
			updateEvent: model.EventAuthStatusUpdate,
			onFinal:     s.storeSession,
			done:        done,
		}
		if err := s.startRequest(ctx, r, args); err != nil {
			return nil, err
		}
		return ch, nil
	})
	if err != nil {
		return model.Result{}, err
	}
	return wait(ctx, ch)
}

func wait(ctx context.Context, ch <-chan outcome) (model.Result, error) {
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		// the worker keeps running, the result is still pushed
		return model.Result{}, ctx.Err()
	}
}

func (s *Service) strategy(ctx context.Context, strategy model.Strategy) (model.Strategy, error) {
	if strategy == "" {
		settings, err := s.settings(ctx)
		if err != nil {
			return "", err
		}
		strategy = settings.DefaultStrategy
	}
	if !strategy.Valid() {
		return "", fmt.Errorf("%w: unknown strategy %q", model.ErrInvalidJob, strategy)
	}
	return strategy, nil
}

func (s *Service) startClaim(ctx context.Context, username string, strategy model.Strategy, token string, done doneFunc) error {
	args := []string{username, string(strategy)}
	if token != "" {
		args = append(args, token)
	}
	r := &request{
		kind:        worker.KindClaim,
		finalEvent:  model.EventClaimStatus,
		updateEvent: model.EventClaimStatusUpdate,
		done:        done,
	}
	return s.startRequest(ctx, r, args)
}

// startRequest supersedes a pending request of the same kind and starts its worker.
func (s *Service) startRequest(ctx context.Context, r *request, args []string) error {
	for h, prev := range s.requests {
		if prev.kind == r.kind {
			delete(s.requests, h)
			prev.resolve(ctx, model.Result{}, ErrSuperseded)
		}
	}

	h, err := s.sup.Start(ctx, r.kind, args...)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "worker started", "worker", r.kind, "pid", h.PID())
	s.requests[h] = r
	s.forward(h, func(ctx context.Context, ev worker.Event) {
		s.onRequestEvent(ctx, h, ev)
	})
	return nil
}

func (s *Service) onRequestEvent(ctx context.Context, h *worker.Handle, ev worker.Event) {
	r, ok := s.requests[h]
	if !ok {
		return
	}

	if ev.Exit != nil {
		delete(s.requests, h)
		err := exitError(h.Kind(), *ev.Exit)
		slog.WarnContext(ctx, "worker exited without a result", "worker", h.Kind(), "code", ev.Exit.Code, "reason", ev.Exit.Reason)
		s.pushEvent(r.finalEvent, FailureResult(err))
		r.resolve(ctx, model.Result{}, err)
		return
	}

	m := ev.Message
	if m.Err != nil {
		slog.WarnContext(ctx, "ignoring malformed worker output", "worker", h.Kind(), "raw", m.Raw)
		return
	}
	if m.Progress() {
		r.statuses = append(r.statuses, m.Fields)
		s.pushEvent(r.updateEvent, m.Fields)
		return
	}

	delete(s.requests, h)
	result, err := model.ResultFromFields(m.Fields)
	if err != nil {
		s.pushEvent(r.finalEvent, FailureResult(err))
		r.resolve(ctx, model.Result{}, err)
		return
	}
	result.StatusMessages = r.statuses
	if r.onFinal != nil {
		result, err = r.onFinal(ctx, result)
		if err != nil {
			slog.ErrorContext(ctx, "handling final worker result", "worker", h.Kind(), "error", err)
		}
	}
	s.pushEvent(r.finalEvent, result)
	r.resolve(ctx, result, nil)
}

func exitError(kind worker.Kind, exit worker.Exit) error {
	switch {
	case exit.Reason == worker.ExitSuperseded:
		return ErrSuperseded
	case exit.Reason == worker.ExitStopped:
		return ErrStopped
	case exit.Clean():
		return ErrNoResult
	default:
		return &worker.ExitError{Kind: kind, Code: exit.Code, Reason: exit.Reason}
	}
}

// storeSession persists the session of a successful authentication and
// returns the result without the token.
func (s *Service) storeSession(ctx context.Context, result model.Result) (model.Result, error) {
	if result.Extra != nil {
		delete(result.Extra, "token")
	}
	if !result.Success || result.Profile == nil || result.Profile.Token == "" {
		return result, nil
	}
	profile := *result.Profile
	token := profile.Token
	profile.Token = ""
	result.Profile = &profile
	return result, errors.Join(
		s.kv.Set(ctx, model.KeyAuthToken, token),
		s.kv.Set(ctx, model.KeyAuthProfile, profile),
	)
}
