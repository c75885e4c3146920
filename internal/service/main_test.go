package service_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/service"
	"github.com/openmc/dropwatch/internal/store"
	"github.com/openmc/dropwatch/internal/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var dropTime = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// shell returns a command running script with sh; worker arguments become $1...
func shell(t *testing.T, script string) worker.Command {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return worker.Command{
		Path: sh,
		Args: []string{"-c", script, "sh"},
	}
}

type note struct {
	message  string
	severity model.Severity
}

type pushed struct {
	event   string
	payload any
}

type recorder struct {
	mx     sync.Mutex
	notes  []note
	pushes []pushed
}

func (r *recorder) Notify(_ context.Context, message string, severity model.Severity) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.notes = append(r.notes, note{message: message, severity: severity})
}

func (r *recorder) Push(event string, payload any) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.pushes = append(r.pushes, pushed{event: event, payload: payload})
}

func (r *recorder) messages() []note {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]note(nil), r.notes...)
}

func (r *recorder) hasNote(n note) bool {
	for _, x := range r.messages() {
		if x == n {
			return true
		}
	}
	return false
}

func (r *recorder) events(event string) []any {
	r.mx.Lock()
	defer r.mx.Unlock()
	var ret []any
	for _, p := range r.pushes {
		if p.event == event {
			ret = append(ret, p.payload)
		}
	}
	return ret
}

// monitorUpdates returns the status fields of monitoring-update events.
func (r *recorder) monitorUpdates() []string {
	var ret []string
	for _, p := range r.events(model.EventMonitoringUpdate) {
		ret = append(ret, p.(map[string]any)["status"].(string))
	}
	return ret
}

// fakeTimers records armed callbacks; tests fire them explicitly.
type fakeTimers struct {
	mx     sync.Mutex
	timers map[string]func()
}

func (f *fakeTimers) Arm(id string, _ time.Time, fire func()) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.timers[id] = fire
	return nil
}

func (f *fakeTimers) Cancel(id string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delete(f.timers, id)
}

func (f *fakeTimers) CancelAll() {
	f.mx.Lock()
	defer f.mx.Unlock()
	clear(f.timers)
}

func (f *fakeTimers) fire(t *testing.T, id string) {
	t.Helper()
	f.mx.Lock()
	fire, ok := f.timers[id]
	delete(f.timers, id)
	f.mx.Unlock()
	require.True(t, ok, "no timer armed for %s", id)
	fire()
}

func newKV(t *testing.T) *store.Store {
	t.Helper()
	kv, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "dropwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, kv.Close())
	})
	return kv
}

type harness struct {
	kv     *store.Store
	rec    *recorder
	timers *fakeTimers
	clock  *clockwork.FakeClock
	sup    *worker.Supervisor
	svc    *service.Service
}

// start runs a service over the given worker commands until the test ends.
func start(t *testing.T, commands map[worker.Kind]worker.Command) *harness {
	t.Helper()
	kv := newKV(t)
	var err error
	h := &harness{
		kv:     kv,
		rec:    &recorder{},
		timers: &fakeTimers{timers: make(map[string]func())},
		clock:  clockwork.NewFakeClockAt(dropTime.Add(-15 * time.Minute)),
		sup:    worker.NewSupervisor(commands, time.Second),
	}
	h.svc, err = service.New(kv, h.sup, h.rec, h.rec, service.Options{
		Clock:           h.clock,
		Timers:          h.timers,
		MonitorInterval: 1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return h
}

func (h *harness) job(t *testing.T, id string) model.Job {
	t.Helper()
	jobs, err := h.svc.ScheduledMonitors(t.Context())
	require.NoError(t, err)
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not found", id)
	return model.Job{}
}

func (h *harness) eventuallyStatus(t *testing.T, id string, status model.JobStatus) model.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		jobs, err := h.svc.ScheduledMonitors(t.Context())
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.ID == id {
				return j.Status == status
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "job %s never became %s", id, status)
	return h.job(t, id)
}
