package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mqrun/fscall/internal/model"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("minimal", func(t *testing.T) {
		cfg, err := model.LoadConfig(strings.NewReader(`
version: 0
exchange: /srv/exchange
`))
		require.NoError(t, err)
		require.Equal(t, "/srv/exchange", cfg.Exchange)
		require.Nil(t, cfg.Daemon)
		require.Nil(t, cfg.Client)
	})

	t.Run("full", func(t *testing.T) {
		cfg, err := model.LoadConfig(strings.NewReader(`
version: 0
exchange: /srv/exchange
daemon:
  executable: /usr/local/bin/batchrun
  args: ["--quiet"]
  limit: 4
  interval: 10s
  heartbeat: 5s
  run_timeout: 2h30m
  name_re: "^prio-"
  max_requests: 100
  journal: /var/lib/fscall/journal.db
  schedule:
    duration: 1m
client:
  poll: 2s
  stale_after: 30s
service:
  verbose: true
  log: stderr
`))
		require.NoError(t, err)
		require.NotNil(t, cfg.Daemon)
		require.Equal(t, "/usr/local/bin/batchrun", cfg.Daemon.Executable)
		require.Equal(t, []string{"--quiet"}, cfg.Daemon.Args)
		require.NotNil(t, cfg.Daemon.Limit)
		require.Equal(t, 4, *cfg.Daemon.Limit)
		require.NotNil(t, cfg.Daemon.Schedule)
		require.Equal(t, "1m", cfg.Daemon.Schedule.Duration)
		require.NotNil(t, cfg.Client)
		require.Equal(t, "2s", *cfg.Client.Poll)
		require.NotNil(t, cfg.Service.Verbose)
		require.True(t, *cfg.Service.Verbose)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader(`
version: 0
exchange: /srv/exchange
workers: 4
`))
		require.Error(t, err)
	})

	t.Run("rejects wrong version", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader(`
version: 1
exchange: /srv/exchange
`))
		require.Error(t, err)
	})

	t.Run("rejects empty exchange", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader(`
version: 0
exchange: ""
`))
		require.Error(t, err)
	})

	t.Run("rejects malformed duration", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader(`
version: 0
exchange: /srv/exchange
daemon:
  executable: /bin/true
  interval: ten seconds
`))
		require.Error(t, err)
	})

	t.Run("rejects zero limit", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader(`
version: 0
exchange: /srv/exchange
daemon:
  executable: /bin/true
  limit: 0
`))
		require.Error(t, err)
	})
}
