package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/scheduler"
	"github.com/openmc/dropwatch/internal/worker"
)

var (
	ErrSuperseded = errors.New("superseded by a newer request")
	ErrStopped    = errors.New("stopped")
	ErrNoResult   = errors.New("process exited without a result")
	ErrClosed     = errors.New("service closed")
)

const inboxSize = 64

// Notifier is satisfied by notify.Fanout.
type Notifier interface {
	Notify(ctx context.Context, message string, severity model.Severity)
}

// Pusher is satisfied by push.Hub.
type Pusher interface {
	Push(event string, payload any)
}

type Options struct {
	Clock clockwork.Clock
	// Timers replaces the gocron backed timers, housekeeping is only
	// registered on the default ones.
	Timers scheduler.Timers
	// MonitorInterval is the check interval in seconds of scheduled runs.
	MonitorInterval float64
	Scheduler       model.Scheduler
}

type Service struct {
	kv     model.KV
	sup    *worker.Supervisor
	notify Notifier
	push   Pusher
	clock  clockwork.Clock
	cron   *scheduler.CronTimers
	sched  *scheduler.Scheduler

	monitorInterval float64

	inbox   chan func(context.Context)
	stopped chan struct{}
	wg      sync.WaitGroup

	// loop owned
	monitor  *monitorRun
	requests map[*worker.Handle]*request
}

func New(kv model.KV, sup *worker.Supervisor, notifier Notifier, pusher Pusher, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 1
	}

	s := &Service{
		kv:              kv,
		sup:             sup,
		notify:          notifier,
		push:            pusher,
		clock:           opts.Clock,
		monitorInterval: opts.MonitorInterval,
		inbox:           make(chan func(context.Context), inboxSize),
		stopped:         make(chan struct{}),
		requests:        make(map[*worker.Handle]*request),
	}

	timers := opts.Timers
	if timers == nil {
		cron, err := scheduler.NewCronTimers(opts.Clock)
		if err != nil {
			return nil, err
		}
		s.cron = cron
		timers = cron
	}

	s.sched = scheduler.New(kv, scheduler.Options{
		Clock:        opts.Clock,
		Timers:       timers,
		Notifier:     notifier,
		Pusher:       pusher,
		Launch:       s.launchScheduled,
		Post:         s.post,
		ResumeActive: opts.Scheduler.ResumeActive,
		NoticeAfter:  opts.Scheduler.NoticeAfter,
	})

	if s.cron != nil && opts.Scheduler.Prune != "" {
		retention := opts.Scheduler.Retention
		err := s.cron.Every(opts.Scheduler.Prune, func() {
			s.post(func(ctx context.Context) {
				s.prune(ctx, retention)
			})
		})
		if err != nil {
			_ = s.cron.Shutdown()
			return nil, fmt.Errorf("scheduling housekeeping: %w", err)
		}
	}
	return s, nil
}

// Run is the control loop. It initializes the scheduler and serves
// requests until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting the service loop")

	if s.cron != nil {
		s.cron.Start()
	}

	defer func() {
		s.wg.Wait()
	}()
	defer func() {
		s.sup.Close()
	}()
	defer func() {
		close(s.stopped)
		s.sched.Shutdown()
		if s.cron != nil {
			if err := s.cron.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}
		for h, req := range s.requests {
			delete(s.requests, h)
			req.resolve(ctx, model.Result{}, ErrClosed)
		}
	}()

	// stored jobs are reconciled even when ctx is already done
	if err := s.sched.Initialize(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "service loop stopped", "reason", context.Cause(ctx))
			return nil
		case fn := <-s.inbox:
			fn(ctx)
		}
	}
}

// post queues fn on the loop without waiting. It is dropped once the loop stopped.
func (s *Service) post(fn func(context.Context)) {
	select {
	case s.inbox <- fn:
	case <-s.stopped:
	}
}

// call runs fn on the loop and returns its result.
func call[T any](ctx context.Context, s *Service, fn func(context.Context) (T, error)) (T, error) {
	var ret T
	var err error
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		ret, err = fn(ctx)
	}

	select {
	case <-s.stopped:
		return ret, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return ret, err
	}
	select {
	case s.inbox <- wrapped:
	case <-s.stopped:
		return ret, ErrClosed
	case <-ctx.Done():
		return ret, ctx.Err()
	}

	select {
	case <-done:
		return ret, err
	case <-s.stopped:
		// the loop may have run it right before stopping
		select {
		case <-done:
			return ret, err
		default:
			var zero T
			return zero, ErrClosed
		}
	}
}

// forward delivers the events of h to the loop in order.
func (s *Service) forward(h *worker.Handle, fn func(context.Context, worker.Event)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range h.Events() {
			s.post(func(ctx context.Context) {
				fn(ctx, ev)
			})
		}
	}()
}

func (s *Service) notifyUser(ctx context.Context, msg string, severity model.Severity) {
	if s.notify != nil {
		s.notify.Notify(ctx, msg, severity)
	}
}

func (s *Service) pushEvent(event string, payload any) {
	if s.push != nil {
		s.push.Push(event, payload)
	}
}

func (s *Service) authToken(ctx context.Context) string {
	var token string
	if _, err := s.kv.Get(ctx, model.KeyAuthToken, &token); err != nil {
		slog.WarnContext(ctx, "loading auth token", "error", err)
	}
	return token
}

func (s *Service) settings(ctx context.Context) (model.Settings, error) {
	settings := model.DefaultSettings()
	if _, err := s.kv.Get(ctx, model.KeySettings, &settings); err != nil {
		return model.Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	return settings, nil
}

func (s *Service) prune(ctx context.Context, retention time.Duration) {
	cutoff := s.clock.Now().Add(-retention)
	pruned, err := s.sched.Prune(ctx, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "pruning scheduled monitors", "error", err)
		return
	}
	if pruned {
		slog.InfoContext(ctx, "pruned finished scheduled monitors", "before", cutoff)
	}
}

// FailureResult converts err into the result object returned to callers.
func FailureResult(err error) model.Result {
	if err == nil {
		return model.Failure("Unknown error")
	}
	return model.Failure(err.Error())
}

func formatInterval(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
