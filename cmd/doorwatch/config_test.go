package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorwatch/common/config"
	"doorwatch/common/logger"
	"doorwatch/dashboard"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"websocket", "stream", "poll"}, cfg.Feed.Transports)
	assert.Equal(t, 1280, cfg.Floorplan.Width)
	assert.Equal(t, "floorplan.png", cfg.Snapshot.Path)

	sc := cfg.SessionConfig()
	assert.Equal(t, 10*time.Second, sc.Feed.ConnectTimeout)
	assert.Equal(t, 5*time.Second, sc.Poll.Interval)
	assert.Equal(t, 5*time.Second, sc.Reconcile.TransientOpen)
	assert.Equal(t, 2*time.Second, sc.Layout.HighlightFor)
	assert.Equal(t, time.Minute, sc.RefreshInterval)
	assert.Equal(t, 1280.0, sc.Canvas.W)
	assert.Equal(t, 800.0, sc.Canvas.H)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.URL, cfg.Server.URL)
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
[server]
url = "https://access.example.com"
token = "secret"

[feed]
transports = ["poll"]
poll_interval_ms = 2500

[floorplan]
width = 640
height = 480
labels = false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://access.example.com", cfg.Server.URL)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, []string{"poll"}, cfg.Feed.Transports)
	assert.False(t, cfg.Floorplan.Labels)
	// Unset keys keep their defaults.
	assert.Equal(t, 10, cfg.Feed.MaxAttempts)

	sc := cfg.SessionConfig()
	assert.Equal(t, 2500*time.Millisecond, sc.Poll.Interval)
	assert.Equal(t, "https://access.example.com", sc.Endpoint.BaseURL)
	assert.Equal(t, "secret", sc.Endpoint.Token)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "[server]\nurl = \"http://x\"\nturl = \"typo\"\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config keys")
}

func TestLoadConfigRejectsUnknownTransport(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "[feed]\ntransports = [\"websocket\", \"telegraph\"]\n")
	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, dashboard.ErrUnknownTransport)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Server.URL = "  "
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Floorplan.Height = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOORWATCH_SERVER_URL", "http://env.example:9000")
	t.Setenv("DOORWATCH_TOKEN", "env-token")
	t.Setenv("DOORWATCH_TRANSPORTS", " stream , poll ,")
	t.Setenv("DOORWATCH_POLL_INTERVAL_MS", "750")
	t.Setenv("DOORWATCH_WIDTH", "not-a-number")
	t.Setenv("DOORWATCH_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("DB_PATH", "/tmp/doorwatch-cache.db")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, "[server]\nurl = \"http://file.example\"\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env.example:9000", cfg.Server.URL)
	assert.Equal(t, "env-token", cfg.Server.Token)
	assert.True(t, cfg.Server.InsecureSkipVerify)
	assert.Equal(t, []string{"stream", "poll"}, cfg.Feed.Transports)
	assert.Equal(t, 750, cfg.Feed.PollIntervalMs)
	assert.Equal(t, 1280, cfg.Floorplan.Width, "unparseable values are ignored")
	assert.Equal(t, "/tmp/doorwatch-cache.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, WriteDefaultConfig(path))
	assert.Error(t, WriteDefaultConfig(path), "existing file is never overwritten")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestApplyLogging(t *testing.T) {
	t.Parallel()
	l := logger.New(logger.ERROR, "", 50)
	l.SetOutput(nil)

	applyLogging(l, config.LoggingConfig{Level: "trace", TraceTags: []string{" snapshot ", ""}})
	l.Debug("debug now visible")
	l.TraceTag("feed_frame", "other tag suppressed")
	l.TraceTag("snapshot", "snapshot traced")

	var msgs []string
	for _, e := range l.GetBufferFiltered(logger.TRACE) {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"debug now visible", "snapshot traced"}, msgs)

	// Reapplying lowers the level on a running logger.
	applyLogging(l, config.LoggingConfig{Level: "warn"})
	l.Info("hidden")
	assert.Len(t, l.GetBufferFiltered(logger.TRACE), 2)
}
