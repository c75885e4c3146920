package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/scheduler"
	"github.com/stretchr/testify/require"
)

var dropTime = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type fixture struct {
	kv       *memKV
	clock    *clockwork.FakeClock
	timers   *fakeTimers
	rec      *recorder
	launched []model.Job
	launch   error
	s        *scheduler.Scheduler
}

func newFixture(t *testing.T, now time.Time, opts scheduler.Options) *fixture {
	t.Helper()
	f := &fixture{
		kv:     newMemKV(),
		clock:  clockwork.NewFakeClockAt(now),
		timers: newFakeTimers(),
		rec:    &recorder{},
	}
	f.build(opts)
	return f
}

// build creates a scheduler over the fixture state; called again it
// simulates a restart.
func (f *fixture) build(opts scheduler.Options) {
	opts.Clock = f.clock
	opts.Timers = f.timers
	opts.Notifier = f.rec
	opts.Pusher = f.rec
	opts.Launch = func(_ context.Context, job model.Job) error {
		f.launched = append(f.launched, job)
		return f.launch
	}
	f.s = scheduler.New(f.kv, opts)
}

func (f *fixture) fire(t *testing.T, id string) {
	t.Helper()
	a, ok := f.timers.timers[id]
	require.True(t, ok, "no timer armed for %s", id)
	delete(f.timers.timers, id)
	a.fire()
}

func job(id, username string, lead time.Duration) model.Job {
	return model.Job{
		ID:               id,
		Username:         username,
		DropTime:         dropTime,
		MonitorStartTime: dropTime.Add(-lead),
		Strategy:         model.StrategyTiming,
	}
}

func TestScheduleAndFire(t *testing.T) {
	f := newFixture(t, dropTime.Add(-15*time.Minute), scheduler.Options{})
	ctx := t.Context()

	got, err := f.s.Schedule(ctx, job("j1", "Foo", 10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.JobScheduled, got.Status)
	require.True(t, f.s.Armed("j1"))
	require.Contains(t, f.timers.timers, "j1")
	require.True(t, f.timers.timers["j1"].at.Equal(dropTime.Add(-10*time.Minute)))
	// exactly five minutes away: no notice
	require.Empty(t, f.rec.notes)

	f.clock.Advance(5 * time.Minute)
	f.fire(t, "j1")

	require.Len(t, f.launched, 1)
	require.Equal(t, "Foo", f.launched[0].Username)
	require.Equal(t, model.JobActive, f.launched[0].Status)

	stored, found, err := f.s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.JobActive, stored.Status)
	require.False(t, f.s.Armed("j1"))

	require.Equal(t, []note{{`Scheduled monitoring for "Foo" has started.`, model.SeverityInfo}}, f.rec.notes)
	require.Len(t, f.rec.events, 1)
	require.Equal(t, model.JobActive, f.rec.events[0].Status)

	f.s.HandleMonitoringResult(ctx, "j1", model.Result{Success: true, Username: "Foo"})
	stored, _, err = f.s.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	require.True(t, stored.Result.Success)
	require.Equal(t, note{`Scheduled monitoring for "Foo" completed successfully.`, model.SeveritySuccess}, f.rec.notes[len(f.rec.notes)-1])
}

func TestScheduleNotice(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    time.Duration
		then     []note
	}{
		{
			scenario: "just over five minutes",
			given:    5*time.Minute + time.Second,
			then:     []note{{`Username "Foo" will be monitored in 5 minutes.`, model.SeverityInfo}},
		},
		{
			scenario: "rounded",
			given:    90*time.Minute + 40*time.Second,
			then:     []note{{`Username "Foo" will be monitored in 91 minutes.`, model.SeverityInfo}},
		},
		{
			scenario: "soon",
			given:    time.Minute,
			then:     nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			start := dropTime.Add(-time.Minute)
			f := newFixture(t, start.Add(-tc.given), scheduler.Options{})
			_, err := f.s.Schedule(t.Context(), job("j", "Foo", time.Minute))
			require.NoError(t, err)
			require.Equal(t, tc.then, f.rec.notes)
		})
	}
}

func TestScheduleMissed(t *testing.T) {
	f := newFixture(t, dropTime, scheduler.Options{})
	ctx := t.Context()

	got, err := f.s.Schedule(ctx, job("late", "Bar", time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.JobMissed, got.Status)
	require.False(t, f.s.Armed("late"))
	require.Empty(t, f.timers.timers)

	stored, found, err := f.s.Get(ctx, "late")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.JobMissed, stored.Status)
	require.Equal(t, []note{{`Scheduled monitoring for "Bar" was missed.`, model.SeverityWarning}}, f.rec.notes)
	require.Len(t, f.rec.events, 1)
}

func TestScheduleInvalid(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	j := job("bad", "", time.Minute)
	j.Strategy = "nope"
	_, err := f.s.Schedule(t.Context(), j)
	require.ErrorIs(t, err, model.ErrInvalidJob)
	require.ErrorContains(t, err, "username is empty")
	require.ErrorContains(t, err, `unknown strategy "nope"`)

	jobs, err := f.s.List(t.Context())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestRescheduleReplacesTimer(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()

	_, err := f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	stale := f.timers.timers["j"].fire

	_, err = f.s.Schedule(ctx, job("j", "Foo", 20*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"j"}, f.timers.cancelled)

	// the old callback went off before it was cancelled
	stale()
	require.Empty(t, f.launched)

	jobs, err := f.s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].MonitorStartTime.Equal(dropTime.Add(-20*time.Minute)))
}

func TestDeleteCancels(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()

	_, err := f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	fire := f.timers.timers["j"].fire

	ok, err := f.s.Delete(ctx, "j")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, f.s.Armed("j"))
	require.Empty(t, f.timers.timers)

	fire()
	require.Empty(t, f.launched)

	ok, err = f.s.Delete(ctx, "j")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResultAfterDelete(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()

	_, err := f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	f.fire(t, "j")
	_, err = f.s.Delete(ctx, "j")
	require.NoError(t, err)

	notes := len(f.rec.notes)
	f.s.HandleMonitoringResult(ctx, "j", model.Result{Success: true})
	f.s.HandleMonitoringResult(ctx, "unknown", model.Failure("boom"))

	jobs, err := f.s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.Len(t, f.rec.notes, notes)
}

func TestResultFailure(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    model.Result
		then     string
	}{
		{
			scenario: "error text",
			given:    model.Failure("Monitoring process exited with code 2"),
			then:     "Monitoring process exited with code 2",
		},
		{
			scenario: "no error text",
			given:    model.Result{},
			then:     "Unknown error",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
			ctx := t.Context()
			_, err := f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
			require.NoError(t, err)
			f.fire(t, "j")

			f.s.HandleMonitoringResult(ctx, "j", tc.given)
			stored, _, err := f.s.Get(ctx, "j")
			require.NoError(t, err)
			require.Equal(t, model.JobFailed, stored.Status)
			require.Equal(t, tc.then, stored.Error)
			require.Equal(t, note{`Scheduled monitoring for "Foo" failed: ` + tc.then, model.SeverityError}, f.rec.notes[len(f.rec.notes)-1])

			// terminal jobs ignore further results
			f.s.HandleMonitoringResult(ctx, "j", model.Result{Success: true})
			stored, _, err = f.s.Get(ctx, "j")
			require.NoError(t, err)
			require.Equal(t, model.JobFailed, stored.Status)
		})
	}
}

func TestLaunchFailure(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	f.launch = errors.New("starting monitor worker: exec: no such file")
	ctx := t.Context()

	_, err := f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	f.fire(t, "j")

	stored, _, err := f.s.Get(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, stored.Status)
	require.Equal(t, f.launch.Error(), stored.Error)
	require.Equal(t,
		note{`Failed to start monitoring for "Foo": starting monitor worker: exec: no such file`, model.SeverityError},
		f.rec.notes[len(f.rec.notes)-1])
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()

	for _, j := range []model.Job{
		job("a", "Alpha", 10*time.Minute),
		job("b", "Beta", 20*time.Minute),
	} {
		_, err := f.s.Schedule(ctx, j)
		require.NoError(t, err)
	}
	done := job("c", "Gamma", 30*time.Minute)
	done.Status = model.JobCompleted
	_, err := f.s.Save(ctx, done)
	require.NoError(t, err)

	before, err := f.s.List(ctx)
	require.NoError(t, err)

	// restart
	f.s.Shutdown()
	require.Empty(t, f.timers.timers)
	f.build(scheduler.Options{})
	require.NoError(t, f.s.Initialize(ctx))

	after, err := f.s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.True(t, f.s.Armed("a"))
	require.True(t, f.s.Armed("b"))
	require.False(t, f.s.Armed("c"))
	require.Len(t, f.timers.timers, 2)
}

func TestInitializeMissedWhileDown(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()
	_, err := f.s.Schedule(ctx, job("a", "Alpha", 10*time.Minute))
	require.NoError(t, err)

	f.s.Shutdown()
	f.clock.Advance(time.Hour)
	f.build(scheduler.Options{})
	require.NoError(t, f.s.Initialize(ctx))

	stored, _, err := f.s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.JobMissed, stored.Status)
	require.Empty(t, f.timers.timers)
}

func TestInitializeResumeActive(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     model.JobStatus
	}{
		{scenario: "keep", given: model.ResumeKeep, then: model.JobActive},
		{scenario: "default", given: "", then: model.JobActive},
		{scenario: "fail", given: model.ResumeFail, then: model.JobFailed},
		{scenario: "missed", given: model.ResumeMissed, then: model.JobMissed},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{ResumeActive: tc.given})
			ctx := t.Context()
			// left active by a previous process
			active := job("a", "Alpha", 10*time.Minute)
			active.Status = model.JobActive
			require.NoError(t, scheduler.NewJobStore(f.kv).Upsert(ctx, active))

			require.NoError(t, f.s.Initialize(ctx))
			stored, _, err := f.s.Get(ctx, "a")
			require.NoError(t, err)
			require.Equal(t, tc.then, stored.Status)
			require.Empty(t, f.timers.timers)
			require.Empty(t, f.launched)
		})
	}
}

func TestSaveAssignsID(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	j := job("", "Foo", time.Minute)
	j.Strategy = ""
	got, err := f.s.Save(t.Context(), j)
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)
	require.Equal(t, model.DefaultStrategy, got.Strategy)
	require.Equal(t, model.JobScheduled, got.Status)
	require.False(t, f.s.Armed(got.ID))
}

func TestSaveKeepsRunningJob(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()

	_, err := f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	f.fire(t, "j")

	_, err = f.s.Save(ctx, job("j", "Bar", 10*time.Minute))
	require.ErrorIs(t, err, model.ErrInvalidJob)

	edited := job("j", "Foo", 10*time.Minute)
	edited.AutoClaim = true
	got, err := f.s.Save(ctx, edited)
	require.NoError(t, err)
	require.Equal(t, model.JobActive, got.Status)
	require.True(t, got.AutoClaim)
	require.False(t, f.s.Armed("j"))

	edited.Status = model.JobScheduled
	got, err = f.s.Save(ctx, edited)
	require.NoError(t, err)
	require.Equal(t, model.JobActive, got.Status)

	f.s.HandleMonitoringResult(ctx, "j", model.Result{Success: true, Username: "Foo"})
	stored, _, err := f.s.Get(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, stored.Status)
	require.True(t, stored.AutoClaim)
}

func TestSaveStatus(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()

	active := job("new", "New", time.Minute)
	active.Status = model.JobActive
	_, err := f.s.Save(ctx, active)
	require.ErrorIs(t, err, model.ErrInvalidJob)

	_, err = f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	require.True(t, f.s.Armed("j"))

	failed := job("j", "Foo", 10*time.Minute)
	failed.Status = model.JobFailed
	failed.Error = "cancelled by user"
	got, err := f.s.Save(ctx, failed)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.Status)
	require.Equal(t, "cancelled by user", got.Error)
	require.False(t, f.s.Armed("j"))
	require.NotContains(t, f.timers.timers, "j")

	// only Schedule brings a job back
	got, err = f.s.Save(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.Status)
	got, err = f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.JobScheduled, got.Status)
	require.Empty(t, got.Error)
}

func TestPrune(t *testing.T) {
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	ctx := t.Context()

	old := job("old", "Old", time.Minute)
	old.DropTime = dropTime.Add(-48 * time.Hour)
	old.MonitorStartTime = old.DropTime.Add(-time.Minute)
	old.Status = model.JobCompleted
	oldScheduled := old
	oldScheduled.ID = "old-scheduled"
	oldScheduled.Status = model.JobScheduled
	recent := job("recent", "Recent", time.Minute)
	recent.Status = model.JobFailed

	for _, j := range []model.Job{old, oldScheduled, recent} {
		_, err := f.s.Save(ctx, j)
		require.NoError(t, err)
	}

	pruned, err := f.s.Prune(ctx, dropTime.Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, pruned)

	jobs, err := f.s.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	require.Equal(t, []string{"old-scheduled", "recent"}, ids)

	pruned, err = f.s.Prune(ctx, dropTime.Add(-24*time.Hour))
	require.NoError(t, err)
	require.False(t, pruned)
}

func TestPostDelivery(t *testing.T) {
	var posted []func(context.Context)
	f := newFixture(t, dropTime.Add(-time.Hour), scheduler.Options{})
	f.build(scheduler.Options{Post: func(fn func(context.Context)) { posted = append(posted, fn) }})
	ctx := t.Context()

	_, err := f.s.Schedule(ctx, job("j", "Foo", 10*time.Minute))
	require.NoError(t, err)
	f.fire(t, "j")
	require.Empty(t, f.launched)
	require.Len(t, posted, 1)

	posted[0](ctx)
	require.Len(t, f.launched, 1)
}
