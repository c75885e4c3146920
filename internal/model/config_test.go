package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/openmc/dropwatch/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
data_dir: /var/lib/dropwatch
listen: 127.0.0.1:9000
workers:
  grace: 500ms
  monitor:
    path: /usr/bin/monitor
    args: [--json]
    env:
      token: $HOME
    timeout: 1h
scheduler:
  resume_active: fail
  notice_after: 10m
  prune: "0 3 * * *"
  retention: 48h
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/dropwatch", cfg.DataDir)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, 500*time.Millisecond, cfg.Workers.Grace)
	require.Equal(t, "/usr/bin/monitor", cfg.Workers.Monitor.Path)
	require.Equal(t, []string{"--json"}, cfg.Workers.Monitor.Args)
	require.Equal(t, map[string]string{"token": "$HOME"}, cfg.Workers.Monitor.Env)
	require.Equal(t, time.Hour, cfg.Workers.Monitor.Timeout)
	require.Equal(t, model.ResumeFail, cfg.Scheduler.ResumeActive)
	require.Equal(t, 10*time.Minute, cfg.Scheduler.NoticeAfter)
	require.Equal(t, 48*time.Hour, cfg.Scheduler.Retention)

	// untouched sections keep their defaults
	def := model.DefaultConfig()
	require.Equal(t, def.Workers.Claim, cfg.Workers.Claim)
	require.Equal(t, def.Workers.MonitorInterval, cfg.Workers.MonitorInterval)
	require.Equal(t, def.Notifications, cfg.Notifications)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	type then struct {
		contains string
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"bad_version", "version: 3\n", then{"version: unsupported 3"}},
		{"bad_policy", "scheduler:\n  resume_active: resurrect\n", then{`unknown policy "resurrect"`}},
		{"bad_prune", "scheduler:\n  prune: \"* * 32 * *\"\n", then{"scheduler.prune"}},
		{"empty_worker", "workers:\n  claim:\n    path: \"\"\n", then{"workers.claim.path: empty"}},
		{"bad_interval", "workers:\n  monitor_interval: 0\n", then{"workers.monitor_interval"}},
		{"not_yaml", "version: [", then{"invalid config"}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrInvalidConfig)
			require.ErrorContains(t, err, tc.then.contains)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, model.ResumeKeep, cfg.Scheduler.ResumeActive)
	require.Equal(t, 5*time.Minute, cfg.Scheduler.NoticeAfter)
	require.Equal(t, 2*time.Second, cfg.Workers.Grace)
	require.Zero(t, cfg.Workers.Monitor.Timeout)
}
