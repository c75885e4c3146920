package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ResumeKeep   = "keep"
	ResumeFail   = "fail"
	ResumeMissed = "missed"
)

type Config struct {
	Version       int           `mapstructure:"version" yaml:"version"`
	DataDir       string        `mapstructure:"data_dir" yaml:"data_dir"`
	Listen        string        `mapstructure:"listen" yaml:"listen"`
	Verbose       bool          `mapstructure:"verbose" yaml:"verbose"`
	Workers       Workers       `mapstructure:"workers" yaml:"workers"`
	Scheduler     Scheduler     `mapstructure:"scheduler" yaml:"scheduler"`
	Notifications Notifications `mapstructure:"notifications" yaml:"notifications"`
}

type Workers struct {
	Grace           time.Duration `mapstructure:"grace" yaml:"grace"`
	MonitorInterval float64       `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	Monitor         WorkerCommand `mapstructure:"monitor" yaml:"monitor"`
	Claim           WorkerCommand `mapstructure:"claim" yaml:"claim"`
	Authenticate    WorkerCommand `mapstructure:"authenticate" yaml:"authenticate"`
	Check           WorkerCommand `mapstructure:"check" yaml:"check"`
	DropTime        WorkerCommand `mapstructure:"drop_time" yaml:"drop_time"`
}

type WorkerCommand struct {
	Path    string            `mapstructure:"path" yaml:"path"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

type Scheduler struct {
	ResumeActive string        `mapstructure:"resume_active" yaml:"resume_active"`
	NoticeAfter  time.Duration `mapstructure:"notice_after" yaml:"notice_after"`
	Prune        string        `mapstructure:"prune" yaml:"prune,omitempty"`
	Retention    time.Duration `mapstructure:"retention" yaml:"retention"`
}

type Notifications struct {
	Title   string        `mapstructure:"title" yaml:"title"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func python(script string) WorkerCommand {
	return WorkerCommand{
		Path: "python3",
		Args: []string{"-u", filepath.Join("src", "python", script)},
	}
}

// DefaultConfig returns the configuration written on the first start.
func DefaultConfig() Config {
	check := python("check_username.py")
	check.Timeout = 30 * time.Second
	dropTime := python("get_drop_time.py")
	dropTime.Timeout = 30 * time.Second

	dataDir := "."
	if d, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(d, "dropwatch")
	}

	return Config{
		Version: 0,
		DataDir: dataDir,
		Listen:  "127.0.0.1:8765",
		Workers: Workers{
			Grace:           2 * time.Second,
			MonitorInterval: 1,
			Monitor:         python("monitor_username.py"),
			Claim:           python("claim_username.py"),
			Authenticate:    python("authenticate.py"),
			Check:           check,
			DropTime:        dropTime,
		},
		Scheduler: Scheduler{
			ResumeActive: ResumeKeep,
			NoticeAfter:  5 * time.Minute,
			Prune:        "@daily",
			Retention:    30 * 24 * time.Hour,
		},
		Notifications: Notifications{
			Title:   "OpenMC Username Sniper",
			Timeout: 15 * time.Second,
		},
	}
}

// NewViper returns a viper instance reading yaml with DROPWATCH_ prefixed
// environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DROPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DecodeConfig unmarshals the settings held by v over the defaults and validates them.
func DecodeConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig parses a yaml configuration.
func LoadConfig(r io.Reader) (Config, error) {
	v := NewViper()
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return DecodeConfig(v)
}

func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("version: unsupported %d", c.Version))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir: empty"))
	}
	for name, w := range map[string]WorkerCommand{
		"monitor":      c.Workers.Monitor,
		"claim":        c.Workers.Claim,
		"authenticate": c.Workers.Authenticate,
		"check":        c.Workers.Check,
		"drop_time":    c.Workers.DropTime,
	} {
		if w.Path == "" {
			errs = append(errs, fmt.Errorf("workers.%s.path: empty", name))
		}
		if w.Timeout < 0 {
			errs = append(errs, fmt.Errorf("workers.%s.timeout: negative", name))
		}
	}
	if c.Workers.Grace < 0 {
		errs = append(errs, errors.New("workers.grace: negative"))
	}
	if c.Workers.MonitorInterval <= 0 {
		errs = append(errs, errors.New("workers.monitor_interval: must be positive"))
	}
	switch c.Scheduler.ResumeActive {
	case ResumeKeep, ResumeFail, ResumeMissed:
	default:
		errs = append(errs, fmt.Errorf("scheduler.resume_active: unknown policy %q", c.Scheduler.ResumeActive))
	}
	if c.Scheduler.Prune != "" {
		if _, err := ParseCron(c.Scheduler.Prune); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.prune: %w", err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
