package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmc/dropwatch/internal/model"
)

// Pusher delivers events to the presentation layer.
type Pusher interface {
	Push(event string, payload any)
}

// Notification is what an external channel delivers.
type Notification struct {
	Title    string
	Message  string
	Severity model.Severity
	Time     time.Time
}

// Channel is an external notification transport.
type Channel interface {
	Name() string
	Enabled(model.NotificationSettings) bool
	Send(context.Context, model.NotificationSettings, Notification) error
}

// SettingsFunc loads the current notification settings.
type SettingsFunc func(context.Context) (model.NotificationSettings, error)

// SettingsFromKV reads notification settings stored with the user settings.
func SettingsFromKV(kv model.KV) SettingsFunc {
	return func(ctx context.Context) (model.NotificationSettings, error) {
		var s model.Settings
		if _, err := kv.Get(ctx, model.KeySettings, &s); err != nil {
			return model.NotificationSettings{}, err
		}
		return s.NotificationSettings, nil
	}
}

// Fanout pushes every notification to the UI and dispatches it to the
// enabled external channels in the background.
type Fanout struct {
	push     Pusher
	settings SettingsFunc
	channels []Channel
	title    string
	timeout  time.Duration
	now      func() time.Time
	closed   atomic.Bool
	wg       sync.WaitGroup
}

type Option func(*Fanout)

func WithChannels(channels ...Channel) Option {
	return func(f *Fanout) { f.channels = append(f.channels, channels...) }
}

func WithTitle(title string) Option {
	return func(f *Fanout) { f.title = title }
}

// WithTimeout bounds a single background delivery round.
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) { f.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fanout) { f.now = now }
}

func New(push Pusher, settings SettingsFunc, opts ...Option) *Fanout {
	f := &Fanout{
		push:     push,
		settings: settings,
		title:    "OpenMC Username Sniper",
		timeout:  15 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Notify never blocks on external I/O and never fails. Channel errors
// are logged.
func (f *Fanout) Notify(ctx context.Context, message string, severity model.Severity) {
	if !severity.Valid() {
		severity = model.SeverityInfo
	}
	if f.push != nil {
		f.push.Push(model.EventNotification, map[string]any{
			"message":  message,
			"severity": severity,
		})
	}
	if len(f.channels) == 0 || f.settings == nil || f.closed.Load() {
		return
	}

	n := Notification{
		Title:    f.title,
		Message:  message,
		Severity: severity,
		Time:     f.now().UTC(),
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		f.dispatch(ctx, n)
	}()
}

func (f *Fanout) dispatch(ctx context.Context, n Notification) {
	settings, err := f.settings(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "loading notification settings", "error", err)
		return
	}
	var g errgroup.Group
	for _, ch := range f.channels {
		if !ch.Enabled(settings) {
			continue
		}
		g.Go(func() error {
			if err := ch.Send(ctx, settings, n); err != nil {
				slog.WarnContext(ctx, "notification not delivered", "channel", ch.Name(), "error", err)
				return nil
			}
			slog.DebugContext(ctx, "notification delivered", "channel", ch.Name())
			return nil
		})
	}
	_ = g.Wait()
}

// Close waits for in-flight deliveries. Later notifications reach the UI only.
func (f *Fanout) Close() {
	f.closed.Store(true)
	f.wg.Wait()
}
