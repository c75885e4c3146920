package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openmc/dropwatch/internal/model"
)

// Timers arms one-shot callbacks keyed by job id. Arming an id again
// replaces the previous timer.
type Timers interface {
	Arm(id string, at time.Time, fire func()) error
	Cancel(id string)
	CancelAll()
}

const (
	tagMonitor      = "monitor"
	tagHousekeeping = "housekeeping"
)

// CronTimers implements Timers with gocron one-time jobs and runs the
// recurring housekeeping tasks on the same scheduler.
type CronTimers struct {
	s    gocron.Scheduler
	mx   sync.Mutex
	jobs map[string]uuid.UUID
}

func NewCronTimers(clock clockwork.Clock) (*CronTimers, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(slog.Default()),
		gocron.WithStopTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	return &CronTimers{s: s, jobs: make(map[string]uuid.UUID)}, nil
}

func (t *CronTimers) Start() {
	t.s.Start()
}

// Arm schedules fire at the given time. A time already passed fires immediately.
func (t *CronTimers) Arm(id string, at time.Time, fire func()) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.cancel(id)

	var gid uuid.UUID
	task := gocron.NewTask(func() {
		t.mx.Lock()
		if t.jobs[id] == gid {
			delete(t.jobs, id)
		}
		t.mx.Unlock()
		fire()
	})
	opts := []gocron.JobOption{gocron.WithName(id), gocron.WithTags(tagMonitor, id)}

	j, err := t.s.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)), task, opts...)
	if errors.Is(err, gocron.ErrOneTimeJobStartDateTimePast) {
		j, err = t.s.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), task, opts...)
	}
	if err != nil {
		return fmt.Errorf("arming timer for %s: %w", id, err)
	}
	gid = j.ID()
	t.jobs[id] = gid
	return nil
}

func (t *CronTimers) Cancel(id string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.cancel(id)
}

func (t *CronTimers) cancel(id string) {
	gid, ok := t.jobs[id]
	if !ok {
		return
	}
	delete(t.jobs, id)
	if err := t.s.RemoveJob(gid); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		slog.Warn("removing timer", "job_id", id, "error", err)
	}
}

func (t *CronTimers) CancelAll() {
	t.mx.Lock()
	defer t.mx.Unlock()
	for id := range t.jobs {
		t.cancel(id)
	}
}

// Armed returns the number of pending one-shot timers.
func (t *CronTimers) Armed() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.jobs)
}

// Every runs fn on the given 5 field cron expression or descriptor.
func (t *CronTimers) Every(expr string, fn func()) error {
	if _, err := model.ParseCron(expr); err != nil {
		return fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	_, err := t.s.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(fn),
		gocron.WithTags(tagHousekeeping),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	return nil
}

func (t *CronTimers) Shutdown() error {
	t.CancelAll()
	return t.s.Shutdown()
}
