package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	host, _ := os.Hostname()
	assert.Equal(t, host, cfg.Device.ID)
	assert.Equal(t, RemoteMemory, cfg.Remote.Kind)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Store.MaxAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.Retention)
	assert.False(t, cfg.Dashboard.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messsync.toml")
	writeConfig(t, path, `
[device]
id = "phone-a"
member_id = "m1"

[remote]
kind = "redis"
redis_addr = "10.0.0.5:6379"

[sync]
interval = "30s"
batch_size = 25

[log]
level = "debug"
`)
	t.Setenv("MESSSYNC_SYNC_BATCH_SIZE", "40")
	t.Setenv("MESSSYNC_DASHBOARD_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "phone-a", cfg.Device.ID)
	assert.Equal(t, "m1", cfg.Device.MemberID)
	assert.Equal(t, RemoteRedis, cfg.Remote.Kind)
	assert.Equal(t, "10.0.0.5:6379", cfg.Remote.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 40, cfg.Sync.BatchSize, "env overrides file")
	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown remote", "[remote]\nkind = \"s3\"\n"},
		{"zero interval", "[sync]\ninterval = \"0s\"\n"},
		{"negative retries", "[sync]\nmax_retries = -1\n"},
		{"backoff inverted", "[sync]\nbackoff_initial = \"10m\"\nbackoff_max = \"1m\"\n"},
		{"no attempts", "[store]\nmax_attempts = 0\n"},
		{"bad log format", "[log]\nformat = \"xml\"\n"},
		{"malformed toml", "[sync\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "messsync.toml")
			writeConfig(t, path, "[device]\nid = \"phone-a\"\n"+tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoader_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messsync.toml")
	writeConfig(t, path, "[device]\nid = \"phone-a\"\n[sync]\nenabled = true\n")

	l, err := NewLoader(path)
	require.NoError(t, err)
	cfg, err := l.Config()
	require.NoError(t, err)
	require.True(t, cfg.Sync.Enabled)
	assert.Equal(t, path, l.ConfigFile())

	reloaded := make(chan *Config, 4)
	// The watcher outlives the test, so it must not log through t.
	l.Watch(zap.NewNop(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	// Replace the file atomically so the watcher never sees a partial write.
	tmp := path + ".tmp"
	writeConfig(t, tmp, "[device]\nid = \"phone-a\"\n[sync]\nenabled = false\n[log]\nlevel = \"warn\"\n")
	require.NoError(t, os.Rename(tmp, path))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Sync.Enabled {
				continue
			}
			assert.Equal(t, "warn", c.Log.Level)
			assert.False(t, l.Current().Sync.Enabled)
			return
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
