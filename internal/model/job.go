package model

import (
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobActive    JobStatus = "active"
	JobMissed    JobStatus = "missed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible for the current run.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobMissed, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobScheduled, JobActive, JobMissed, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// Strategy is passed through to the claim worker untouched.
type Strategy string

const (
	StrategyTiming      Strategy = "timing"
	StrategyBurst       Strategy = "burst"
	StrategyDistributed Strategy = "distributed"
	StrategyPrecision   Strategy = "precision"
	StrategyAdaptive    Strategy = "adaptive"

	DefaultStrategy = StrategyTiming
)

var strategies = []Strategy{
	StrategyTiming,
	StrategyBurst,
	StrategyDistributed,
	StrategyPrecision,
	StrategyAdaptive,
}

func Strategies() []Strategy {
	return append([]Strategy(nil), strategies...)
}

func (s Strategy) Valid() bool {
	for _, x := range strategies {
		if s == x {
			return true
		}
	}
	return false
}

// Job is a persisted scheduled monitoring job.
type Job struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	DropTime         time.Time `json:"dropTime"`
	MonitorStartTime time.Time `json:"monitorStartTime"`
	AutoClaim        bool      `json:"autoClaim"`
	Strategy         Strategy  `json:"strategy"`
	Status           JobStatus `json:"status"`
	Error            string    `json:"error,omitempty"`
	Result           *Result   `json:"result,omitempty"`
}

// Validate returns ErrInvalidJob describing every problem found.
func (j Job) Validate() error {
	var errs []error
	if j.ID == "" {
		errs = append(errs, errors.New("id is empty"))
	}
	if j.Username == "" {
		errs = append(errs, errors.New("username is empty"))
	}
	if j.DropTime.IsZero() {
		errs = append(errs, errors.New("dropTime is not set"))
	}
	if j.MonitorStartTime.IsZero() {
		errs = append(errs, errors.New("monitorStartTime is not set"))
	}
	if !j.DropTime.IsZero() && j.MonitorStartTime.After(j.DropTime) {
		errs = append(errs, errors.New("monitorStartTime is after dropTime"))
	}
	if !j.Strategy.Valid() {
		errs = append(errs, fmt.Errorf("unknown strategy %q", j.Strategy))
	}
	if !j.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", j.Status))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidJob, errors.Join(errs...))
}

// LeadTime returns how long before the drop the monitoring starts.
func (j Job) LeadTime() time.Duration {
	return j.DropTime.Sub(j.MonitorStartTime)
}
