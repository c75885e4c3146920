package model

import (
	"context"
	"time"
)

// Store keys.
const (
	KeyScheduledMonitors = "scheduledMonitors"
	KeyAuthToken         = "authToken"
	KeyAuthProfile       = "authProfile"
	KeySettings          = "settings"
	KeySMTPSettings      = "smtpSettings"
)

// KV is a durable key-value store holding JSON encodable values.
// Get leaves dst untouched and reports false when the key is absent.
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

type NotificationSettings struct {
	DiscordEnabled bool   `json:"discordEnabled"`
	DiscordWebhook string `json:"discordWebhook,omitempty"`
	EmailEnabled   bool   `json:"emailEnabled"`
	EmailAddress   string `json:"emailAddress,omitempty"`
}

func (n NotificationSettings) DiscordReady() bool {
	return n.DiscordEnabled && n.DiscordWebhook != ""
}

func (n NotificationSettings) EmailReady() bool {
	return n.EmailEnabled && n.EmailAddress != ""
}

// Settings are the user preferences stored under KeySettings.
type Settings struct {
	NotificationSettings
	CheckInterval   float64  `json:"checkInterval"`
	DefaultStrategy Strategy `json:"defaultStrategy"`
	Notifications   bool     `json:"notifications"`
	Theme           string   `json:"theme,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		CheckInterval:   3,
		DefaultStrategy: DefaultStrategy,
		Notifications:   true,
		Theme:           "dark",
	}
}

// SMTPSettings configure the outgoing mail transport.
type SMTPSettings struct {
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	Secure  bool          `json:"secure"`
	User    string        `json:"user,omitempty"`
	Pass    string        `json:"pass,omitempty"`
	From    string        `json:"from,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Push event names delivered to the presentation layer.
const (
	EventMonitoringUpdate  = "monitoring-update"
	EventClaimStatus       = "claim-status"
	EventClaimStatusUpdate = "claim-status-update"
	EventAuthStatus        = "auth-status"
	EventAuthStatusUpdate  = "auth-status-update"
	EventNotification      = "notification"
	EventSchedulerUpdate   = "scheduler-update"
)
