package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/openmc/dropwatch/internal/model"
)

var ErrSMTPNotConfigured = errors.New("smtp not configured")

// SMTPFunc loads the outgoing mail transport settings.
type SMTPFunc func(context.Context) (model.SMTPSettings, bool, error)

// SMTPFromKV reads SMTP settings from the store.
func SMTPFromKV(kv model.KV) SMTPFunc {
	return func(ctx context.Context) (model.SMTPSettings, bool, error) {
		var s model.SMTPSettings
		found, err := kv.Get(ctx, model.KeySMTPSettings, &s)
		return s, found, err
	}
}

// Email sends notifications over SMTP.
type Email struct {
	smtp SMTPFunc
}

func NewEmail(smtp SMTPFunc) *Email {
	return &Email{smtp: smtp}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Enabled(s model.NotificationSettings) bool {
	return s.EmailReady()
}

func (e *Email) Send(ctx context.Context, s model.NotificationSettings, n Notification) error {
	cfg, found, err := e.smtp(ctx)
	if err != nil {
		return fmt.Errorf("loading smtp settings: %w", err)
	}
	if !found || cfg.Host == "" {
		return ErrSMTPNotConfigured
	}

	msg, err := EmailMessage(sender(cfg), s.EmailAddress, n)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(cfg.Host, smtpOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// sender is the configured from address, the login or a noreply address
// at the relay host.
func sender(cfg model.SMTPSettings) string {
	switch {
	case cfg.From != "":
		return cfg.From
	case strings.Contains(cfg.User, "@"):
		return cfg.User
	default:
		return "noreply@" + cfg.Host
	}
}

func smtpOptions(cfg model.SMTPSettings) []mail.Option {
	opts := []mail.Option{}
	if cfg.Port != 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Pass),
		)
	}
	return opts
}

// EmailMessage builds the message sent for n.
func EmailMessage(from, to string, n Notification) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(n.Title + " - " + strings.ToUpper(string(n.Severity)))
	if n.Time.IsZero() {
		m.SetDate()
	} else {
		m.SetDateWithValue(n.Time)
	}
	m.SetBodyString(mail.TypeTextPlain, n.Message)
	m.AddAlternativeString(mail.TypeTextHTML, fmt.Sprintf(
		"<h2>%s</h2><p>%s</p><p><small>%s</small></p>",
		html.EscapeString(n.Title),
		strings.ReplaceAll(html.EscapeString(n.Message), "\n", "<br>"),
		n.Time.Format(time.RFC1123),
	))
	return m, nil
}
