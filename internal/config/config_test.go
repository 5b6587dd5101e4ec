package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/config"
	"github.com/slok/codeclaw/internal/model"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		config func() config.Config
		expErr bool
	}{
		"Default config with a data dir should be valid.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				return c
			},
		},

		"Missing data dir should fail.": {
			config: config.Default,
			expErr: true,
		},

		"Idle timeout equal to hard timeout should fail.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				c.Container.IdleTimeout = 30 * time.Minute
				c.Container.HardTimeout = 30 * time.Minute
				return c
			},
			expErr: true,
		},

		"Idle timeout greater than hard timeout should fail.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				c.Container.IdleTimeout = time.Hour
				return c
			},
			expErr: true,
		},

		"Zero max concurrent should fail.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				c.Container.MaxConcurrent = 0
				return c
			},
			expErr: true,
		},

		"Zero scheduler poll interval should fail.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				c.Scheduler.PollInterval = 0
				return c
			},
			expErr: true,
		},

		"Unknown timezone should fail.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				c.Timezone = "Mars/Olympus"
				return c
			},
			expErr: true,
		},

		"Invalid thread config ids should fail.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				c.Threads = map[string]config.ThreadConfig{"../etc": {}}
				return c
			},
			expErr: true,
		},

		"Unknown min permission should fail.": {
			config: func() config.Config {
				c := config.Default()
				c.DataDir = "/tmp/codeclaw"
				c.Access.MinPermission = "owner"
				return c
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.config().Validate()
			if test.expErr {
				assert.ErrorIs(t, err, model.ErrNotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mainThreadId: admin
container:
  maxConcurrent: 2
  idleTimeout: 90s
  hardTimeout: 10m
threads:
  slok-codeclaw:
    mounts:
      - hostPath: /src/codeclaw
        readOnly: true
`
	require.NoError(os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(err)

	assert.Equal("admin", cfg.MainThreadID)
	assert.Equal(2, cfg.Container.MaxConcurrent)
	assert.Equal(90*time.Second, cfg.Container.IdleTimeout)
	assert.Equal(10*time.Minute, cfg.Container.HardTimeout)
	// Defaults are kept for missing keys.
	assert.Equal(time.Minute, cfg.Scheduler.PollInterval)
	assert.Equal("codeclaw-agent:latest", cfg.Container.Image)
	assert.Equal([]model.AdditionalMount{{HostPath: "/src/codeclaw", ReadOnly: true}}, cfg.Threads["slok-codeclaw"].AdditionalMounts)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
