package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/worker"
)

type AccountStatus struct {
	Success         bool           `json:"success"`
	IsAuthenticated bool           `json:"isAuthenticated"`
	Profile         *model.Profile `json:"profile,omitempty"`
	Message         string         `json:"message,omitempty"`
}

// Account reports the stored auth session without exposing its token.
func (s *Service) Account(ctx context.Context) (AccountStatus, error) {
	return call(ctx, s, func(ctx context.Context) (AccountStatus, error) {
		var token string
		var profile model.Profile
		hasToken, err := s.kv.Get(ctx, model.KeyAuthToken, &token)
		if err != nil {
			return AccountStatus{}, err
		}
		hasProfile, err := s.kv.Get(ctx, model.KeyAuthProfile, &profile)
		if err != nil {
			return AccountStatus{}, err
		}
		if !hasToken || token == "" || !hasProfile {
			return AccountStatus{Message: "Not authenticated"}, nil
		}
		profile.Token = ""
		return AccountStatus{Success: true, IsAuthenticated: true, Profile: &profile}, nil
	})
}

func (s *Service) Logout(ctx context.Context) (model.Result, error) {
	return call(ctx, s, func(ctx context.Context) (model.Result, error) {
		err := errors.Join(
			s.kv.Delete(ctx, model.KeyAuthToken),
			s.kv.Delete(ctx, model.KeyAuthProfile),
		)
		if err != nil {
			return model.Result{}, fmt.Errorf("clearing auth session: %w", err)
		}
		return model.Result{Success: true, Message: "Logged out successfully"}, nil
	})
}

// CheckUsername runs the one-shot check worker and returns its report as is.
func (s *Service) CheckUsername(ctx context.Context, username string) (map[string]any, error) {
	return s.runOnce(ctx, worker.KindCheck, username)
}

// DropTime runs the one-shot drop time worker.
func (s *Service) DropTime(ctx context.Context, username string) (map[string]any, error) {
	return s.runOnce(ctx, worker.KindDropTime, username)
}

// runOnce does not go through the loop, one-shot workers share no state.
func (s *Service) runOnce(ctx context.Context, kind worker.Kind, username string) (map[string]any, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is empty", model.ErrInvalidJob)
	}
	m, err := s.sup.RunOnce(ctx, kind, username)
	if err != nil {
		return nil, err
	}
	return m.Fields, nil
}

func (s *Service) Settings(ctx context.Context) (model.Settings, error) {
	return call(ctx, s, func(ctx context.Context) (model.Settings, error) {
		return s.settings(ctx)
	})
}

// SaveSettings replaces the stored user settings.
func (s *Service) SaveSettings(ctx context.Context, settings model.Settings) (model.Settings, error) {
	return call(ctx, s, func(ctx context.Context) (model.Settings, error) {
		if settings.DefaultStrategy == "" {
			settings.DefaultStrategy = model.DefaultStrategy
		}
		if !settings.DefaultStrategy.Valid() {
			return model.Settings{}, fmt.Errorf("%w: unknown strategy %q", model.ErrInvalidConfig, settings.DefaultStrategy)
		}
		if settings.CheckInterval <= 0 {
			return model.Settings{}, fmt.Errorf("%w: checkInterval must be positive", model.ErrInvalidConfig)
		}
		if err := s.kv.Set(ctx, model.KeySettings, settings); err != nil {
			return model.Settings{}, fmt.Errorf("saving settings: %w", err)
		}
		return settings, nil
	})
}

// ScheduleMonitor persists job and arms its timer.
func (s *Service) ScheduleMonitor(ctx context.Context, job model.Job) (model.Job, error) {
	return call(ctx, s, func(ctx context.Context) (model.Job, error) {
		return s.sched.Schedule(ctx, job)
	})
}

// SaveScheduledMonitor upserts job without arming it.
func (s *Service) SaveScheduledMonitor(ctx context.Context, job model.Job) (model.Job, error) {
	return call(ctx, s, func(ctx context.Context) (model.Job, error) {
		return s.sched.Save(ctx, job)
	})
}

// DeleteScheduledMonitor cancels and removes a job. It reports whether the job existed.
func (s *Service) DeleteScheduledMonitor(ctx context.Context, id string) (bool, error) {
	return call(ctx, s, func(ctx context.Context) (bool, error) {
		return s.sched.Delete(ctx, id)
	})
}

func (s *Service) ScheduledMonitors(ctx context.Context) ([]model.Job, error) {
	return call(ctx, s, func(ctx context.Context) ([]model.Job, error) {
		jobs, err := s.sched.List(ctx)
		if jobs == nil {
			jobs = []model.Job{}
		}
		return jobs, err
	})
}
