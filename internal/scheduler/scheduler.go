package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openmc/dropwatch/internal/model"
)

type Notifier interface {
	Notify(ctx context.Context, message string, severity model.Severity)
}

type Pusher interface {
	Push(event string, payload any)
}

// LaunchFunc starts monitoring for a job which just became active.
type LaunchFunc func(ctx context.Context, job model.Job) error

type Options struct {
	Clock    clockwork.Clock
	Timers   Timers
	Notifier Notifier
	Pusher   Pusher
	Launch   LaunchFunc
	// Post runs fn on the goroutine owning the scheduler. Timer callbacks
	// are delivered through it.
	Post func(fn func(context.Context))
	// ResumeActive decides what happens to jobs found active at Initialize:
	// model.ResumeKeep, model.ResumeFail or model.ResumeMissed.
	ResumeActive string
	// NoticeAfter is the minimal delay announcing the upcoming start.
	NoticeAfter time.Duration
}

// Scheduler owns the persisted job collection and its timers. It is not
// safe for concurrent use: every method, including the timer callbacks
// delivered through Options.Post, must run on one goroutine.
type Scheduler struct {
	jobs  JobStore
	opts  Options
	armed map[string]uint64
	seq   uint64
}

func New(kv model.KV, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Post == nil {
		opts.Post = func(fn func(context.Context)) { fn(context.Background()) }
	}
	if opts.ResumeActive == "" {
		opts.ResumeActive = model.ResumeKeep
	}
	if opts.NoticeAfter <= 0 {
		opts.NoticeAfter = 5 * time.Minute
	}
	return &Scheduler{
		jobs:  NewJobStore(kv),
		opts:  opts,
		armed: make(map[string]uint64),
	}
}

// Initialize loads the persisted jobs and arms every scheduled one.
func (s *Scheduler) Initialize(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.Status {
		case model.JobScheduled:
			if _, err := s.arm(ctx, job); err != nil {
				slog.ErrorContext(ctx, "arming scheduled monitor", "job_id", job.ID, "error", err)
			}
		case model.JobActive:
			s.resume(ctx, job)
		}
	}
	slog.InfoContext(ctx, "scheduler initialized", "jobs", len(jobs), "armed", len(s.armed))
	return nil
}

// resume applies the configured policy to a job whose run was interrupted
// by a restart.
func (s *Scheduler) resume(ctx context.Context, job model.Job) {
	switch s.opts.ResumeActive {
	case model.ResumeFail:
		job.Status = model.JobFailed
		job.Error = "interrupted by restart"
	case model.ResumeMissed:
		job.Status = model.JobMissed
	default:
		slog.WarnContext(ctx, "scheduled monitor left active by previous run", "job_id", job.ID, "username", job.Username)
		return
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		slog.ErrorContext(ctx, "updating interrupted monitor", "job_id", job.ID, "error", err)
		return
	}
	s.push(job)
}

// Save validates and upserts job without arming it. An empty id is
// assigned. The username of a stored job cannot change and its status
// only moves forward: a terminal status is taken over, anything else keeps
// the stored status, error and result. Only Schedule returns a job to
// scheduled and only a fired timer makes it active.
func (s *Scheduler) Save(ctx context.Context, job model.Job) (model.Job, error) {
	job = normalize(job)
	stored, found, err := s.jobs.Get(ctx, job.ID)
	if err != nil {
		return model.Job{}, err
	}
	switch {
	case found && stored.Username != job.Username:
		return model.Job{}, fmt.Errorf("%w: username of job %s cannot change from %q to %q", model.ErrInvalidJob, job.ID, stored.Username, job.Username)
	case found && !job.Status.Terminal():
		job.Status = stored.Status
		job.Error = stored.Error
		job.Result = stored.Result
	case !found && job.Status == model.JobActive:
		return model.Job{}, fmt.Errorf("%w: job %s cannot be saved as active", model.ErrInvalidJob, job.ID)
	}
	if err := job.Validate(); err != nil {
		return model.Job{}, err
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		return model.Job{}, err
	}
	if job.Status.Terminal() {
		s.cancel(job.ID)
	}
	return job, nil
}

// Schedule persists job as scheduled and arms its timer, replacing a
// previous timer of the same job. A start time already passed marks the
// job missed instead.
func (s *Scheduler) Schedule(ctx context.Context, job model.Job) (model.Job, error) {
	job = normalize(job)
	job.Status = model.JobScheduled
	job.Error = ""
	job.Result = nil
	if err := job.Validate(); err != nil {
		return model.Job{}, err
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		return model.Job{}, err
	}
	return s.arm(ctx, job)
}

func (s *Scheduler) arm(ctx context.Context, job model.Job) (model.Job, error) {
	s.cancel(job.ID)

	delay := job.MonitorStartTime.Sub(s.opts.Clock.Now())
	if delay <= 0 {
		job.Status = model.JobMissed
		if err := s.jobs.Upsert(ctx, job); err != nil {
			return model.Job{}, err
		}
		s.push(job)
		s.notify(ctx, fmt.Sprintf("Scheduled monitoring for %q was missed.", job.Username), model.SeverityWarning)
		return job, nil
	}

	s.seq++
	token := s.seq
	id := job.ID
	err := s.opts.Timers.Arm(id, job.MonitorStartTime, func() {
		s.opts.Post(func(ctx context.Context) {
			s.fire(ctx, id, token)
		})
	})
	if err != nil {
		return model.Job{}, err
	}
	s.armed[id] = token

	if delay > s.opts.NoticeAfter {
		minutes := int(math.Round(delay.Minutes()))
		s.notify(ctx, fmt.Sprintf("Username %q will be monitored in %d minutes.", job.Username, minutes), model.SeverityInfo)
	}
	slog.InfoContext(ctx, "monitoring scheduled", "job_id", id, "username", job.Username, "start", job.MonitorStartTime)
	return job, nil
}

func (s *Scheduler) cancel(id string) {
	if _, ok := s.armed[id]; !ok {
		return
	}
	delete(s.armed, id)
	s.opts.Timers.Cancel(id)
}

func (s *Scheduler) fire(ctx context.Context, id string, token uint64) {
	if s.armed[id] != token {
		// cancelled or re-armed after the timer went off
		return
	}
	delete(s.armed, id)

	job, found, err := s.jobs.Get(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "loading fired monitor", "job_id", id, "error", err)
		return
	}
	if !found || job.Status != model.JobScheduled {
		slog.WarnContext(ctx, "fired monitor is gone or not scheduled", "job_id", id, "found", found)
		return
	}

	job.Status = model.JobActive
	if err := s.jobs.Upsert(ctx, job); err != nil {
		slog.ErrorContext(ctx, "activating monitor", "job_id", id, "error", err)
		return
	}
	s.push(job)
	s.notify(ctx, fmt.Sprintf("Scheduled monitoring for %q has started.", job.Username), model.SeverityInfo)

	if s.opts.Launch == nil {
		return
	}
	if err := s.opts.Launch(ctx, job); err != nil {
		slog.ErrorContext(ctx, "starting scheduled monitoring", "job_id", id, "error", err)
		job.Status = model.JobFailed
		job.Error = err.Error()
		if err := s.jobs.Upsert(ctx, job); err != nil {
			slog.ErrorContext(ctx, "failing monitor", "job_id", id, "error", err)
		}
		s.push(job)
		s.notify(ctx, fmt.Sprintf("Failed to start monitoring for %q: %s", job.Username, job.Error), model.SeverityError)
	}
}

// HandleMonitoringResult records the terminal outcome of an active job.
// Unknown ids and jobs which are not active are ignored.
func (s *Scheduler) HandleMonitoringResult(ctx context.Context, id string, result model.Result) {
	job, found, err := s.jobs.Get(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "loading monitor", "job_id", id, "error", err)
		return
	}
	if !found {
		slog.WarnContext(ctx, "monitoring result for unknown job", "job_id", id)
		return
	}
	if job.Status != model.JobActive {
		slog.WarnContext(ctx, "monitoring result for job which is not active", "job_id", id, "status", job.Status)
		return
	}

	if result.Success {
		job.Status = model.JobCompleted
		res := result
		job.Result = &res
	} else {
		job.Status = model.JobFailed
		job.Error = result.ErrorText("Unknown error")
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		slog.ErrorContext(ctx, "saving monitor result", "job_id", id, "error", err)
		return
	}
	s.push(job)

	if result.Success {
		s.notify(ctx, fmt.Sprintf("Scheduled monitoring for %q completed successfully.", job.Username), model.SeveritySuccess)
	} else {
		s.notify(ctx, fmt.Sprintf("Scheduled monitoring for %q failed: %s", job.Username, job.Error), model.SeverityError)
	}
}

// Delete cancels the timer and removes the job. Running workers are not touched.
func (s *Scheduler) Delete(ctx context.Context, id string) (bool, error) {
	s.cancel(id)
	return s.jobs.Remove(ctx, id)
}

func (s *Scheduler) List(ctx context.Context) ([]model.Job, error) {
	return s.jobs.List(ctx)
}

func (s *Scheduler) Get(ctx context.Context, id string) (model.Job, bool, error) {
	return s.jobs.Get(ctx, id)
}

// Armed reports whether a timer is pending for id.
func (s *Scheduler) Armed(id string) bool {
	_, ok := s.armed[id]
	return ok
}

// Prune removes terminal jobs whose drop time is before cutoff.
func (s *Scheduler) Prune(ctx context.Context, cutoff time.Time) (bool, error) {
	return s.jobs.RemoveFunc(ctx, func(j model.Job) bool {
		return j.Status.Terminal() && j.DropTime.Before(cutoff)
	})
}

// Shutdown cancels every pending timer. Job records are left as they are.
func (s *Scheduler) Shutdown() {
	for id := range s.armed {
		delete(s.armed, id)
	}
	s.opts.Timers.CancelAll()
}

func (s *Scheduler) push(job model.Job) {
	if s.opts.Pusher != nil {
		s.opts.Pusher.Push(model.EventSchedulerUpdate, job)
	}
}

func (s *Scheduler) notify(ctx context.Context, msg string, severity model.Severity) {
	if s.opts.Notifier != nil {
		s.opts.Notifier.Notify(ctx, msg, severity)
	}
}

func normalize(job model.Job) model.Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Strategy == "" {
		job.Strategy = model.DefaultStrategy
	}
	if job.Status == "" {
		job.Status = model.JobScheduled
	}
	return job
}
