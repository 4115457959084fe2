package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"doorwatch/common/config"
	"doorwatch/common/logger"
	"doorwatch/dashboard"
	"doorwatch/feed"
	"doorwatch/geometry"
	"doorwatch/layout"
	"doorwatch/reconcile"
	"doorwatch/render"
)

// Config is the doorwatch configuration file.
type Config struct {
	Server    ServerConfig          `toml:"server"`
	Feed      FeedConfig            `toml:"feed"`
	Floorplan FloorplanConfig       `toml:"floorplan"`
	Snapshot  SnapshotConfig        `toml:"snapshot"`
	Database  config.DatabaseConfig `toml:"database"`
	Logging   config.LoggingConfig  `toml:"logging"`
}

// ServerConfig holds backend connection settings
type ServerConfig struct {
	URL                string `toml:"url"`
	Token              string `toml:"token"`
	ClientID           string `toml:"client_id"` // Generated per run when empty
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	TimeoutMs          int    `toml:"timeout_ms"`
	Retries            int    `toml:"retries"`
}

// FeedConfig tunes the live event feed
type FeedConfig struct {
	Transports         []string `toml:"transports"` // Tried in order: websocket, stream, poll
	ConnectTimeoutMs   int      `toml:"connect_timeout_ms"`
	HealthIntervalMs   int      `toml:"health_interval_ms"`
	MaxAttempts        int      `toml:"max_attempts"`
	BackoffBaseMs      int      `toml:"backoff_base_ms"`
	BackoffCapMs       int      `toml:"backoff_cap_ms"`
	PollIntervalMs     int      `toml:"poll_interval_ms"`
	TransientOpenMs    int      `toml:"transient_open_ms"`
	RefreshIntervalSec int      `toml:"refresh_interval_seconds"`
	WakeIntervalMs     int      `toml:"wake_interval_ms"`
}

// FloorplanConfig controls rendering
type FloorplanConfig struct {
	Width         int     `toml:"width"`
	Height        int     `toml:"height"`
	GlyphRadius   float64 `toml:"glyph_radius"`
	Labels        bool    `toml:"labels"`
	HighlightMs   int     `toml:"highlight_ms"`
	PersistTimeMs int     `toml:"persist_timeout_ms"`
}

// SnapshotConfig controls the PNG snapshot writer
type SnapshotConfig struct {
	Path          string `toml:"path"` // Empty disables snapshots
	MinIntervalMs int    `toml:"min_interval_ms"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:       "http://localhost:8080",
			TimeoutMs: 15000,
			Retries:   2,
		},
		Feed: FeedConfig{
			Transports:         []string{dashboard.TransportWebSocket, dashboard.TransportStream, dashboard.TransportPoll},
			ConnectTimeoutMs:   10000,
			HealthIntervalMs:   30000,
			MaxAttempts:        10,
			BackoffBaseMs:      1000,
			BackoffCapMs:       30000,
			PollIntervalMs:     5000,
			TransientOpenMs:    5000,
			RefreshIntervalSec: 60,
			WakeIntervalMs:     5000,
		},
		Floorplan: FloorplanConfig{
			Width:         1280,
			Height:        800,
			GlyphRadius:   14,
			Labels:        true,
			HighlightMs:   2000,
			PersistTimeMs: 15000,
		},
		Snapshot: SnapshotConfig{
			Path:          "floorplan.png",
			MinIntervalMs: 1000,
		},
		Database: config.DatabaseConfig{
			Path: "", // Will use default platform-specific path
		},
		Logging: config.LoggingConfig{
			Level:     "info",
			MaxSizeMB: 20,
			MaxFiles:  5,
		},
	}
}

// LoadConfig loads configuration from a TOML file with environment variable
// overrides. A missing file is not an error: defaults plus environment apply.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := config.LoadTOML(configPath, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	config.EnvString("DOORWATCH_SERVER_URL", &cfg.Server.URL)
	config.EnvString("DOORWATCH_TOKEN", &cfg.Server.Token)
	config.EnvString("DOORWATCH_CLIENT_ID", &cfg.Server.ClientID)
	config.EnvBool("DOORWATCH_INSECURE_SKIP_VERIFY", &cfg.Server.InsecureSkipVerify)
	if val := os.Getenv("DOORWATCH_TRANSPORTS"); val != "" {
		var names []string
		for _, name := range strings.Split(val, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.Feed.Transports = names
	}
	config.EnvInt("DOORWATCH_POLL_INTERVAL_MS", &cfg.Feed.PollIntervalMs)
	config.EnvString("DOORWATCH_SNAPSHOT_PATH", &cfg.Snapshot.Path)
	config.EnvInt("DOORWATCH_WIDTH", &cfg.Floorplan.Width)
	config.EnvInt("DOORWATCH_HEIGHT", &cfg.Floorplan.Height)

	config.ApplyDatabaseEnvOverrides(&cfg.Database)
	config.ApplyLoggingEnvOverrides(&cfg.Logging)
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.URL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Floorplan.Width <= 0 || c.Floorplan.Height <= 0 {
		return fmt.Errorf("floorplan size must be positive, got %dx%d", c.Floorplan.Width, c.Floorplan.Height)
	}
	for _, name := range c.Feed.Transports {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case dashboard.TransportWebSocket, dashboard.TransportStream, dashboard.TransportPoll:
		default:
			return fmt.Errorf("feed.transports: %w: %q", dashboard.ErrUnknownTransport, name)
		}
	}
	return nil
}

// SessionConfig maps the file configuration onto the session's.
func (c *Config) SessionConfig() dashboard.Config {
	return dashboard.Config{
		Endpoint: feed.Endpoint{
			BaseURL:            c.Server.URL,
			Token:              c.Server.Token,
			ClientID:           c.Server.ClientID,
			InsecureSkipVerify: c.Server.InsecureSkipVerify,
		},
		Transports: c.Feed.Transports,
		Feed: feed.Config{
			ConnectTimeout: config.Millis(c.Feed.ConnectTimeoutMs, 10*time.Second),
			HealthInterval: config.Millis(c.Feed.HealthIntervalMs, 30*time.Second),
			MaxAttempts:    c.Feed.MaxAttempts,
			BackoffBase:    config.Millis(c.Feed.BackoffBaseMs, time.Second),
			BackoffCap:     config.Millis(c.Feed.BackoffCapMs, 30*time.Second),
		},
		Poll: feed.PollOptions{
			Interval: config.Millis(c.Feed.PollIntervalMs, 5*time.Second),
		},
		Reconcile: reconcile.Config{
			TransientOpen: config.Millis(c.Feed.TransientOpenMs, 5*time.Second),
		},
		Layout: layout.Options{
			HighlightFor:   config.Millis(c.Floorplan.HighlightMs, 2*time.Second),
			PersistTimeout: config.Millis(c.Floorplan.PersistTimeMs, 15*time.Second),
		},
		Render: render.Options{
			GlyphRadius: c.Floorplan.GlyphRadius,
			Labels:      c.Floorplan.Labels,
		},
		Canvas:          geometry.Size{W: float64(c.Floorplan.Width), H: float64(c.Floorplan.Height)},
		RefreshInterval: time.Duration(c.Feed.RefreshIntervalSec) * time.Second,
		WakeInterval:    config.Millis(c.Feed.WakeIntervalMs, 5*time.Second),
	}
}

// applyLogging configures level, rotation and trace tags of l. It is safe to
// call again on a running logger.
func applyLogging(l *logger.Logger, lc config.LoggingConfig) {
	l.SetLevel(logger.LevelFromString(lc.Level))
	l.SetRotationPolicy(logger.RotationPolicy{
		Enabled:    lc.MaxSizeMB > 0,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxAgeDays: 7,
		MaxFiles:   lc.MaxFiles,
	})
	for _, tag := range lc.TraceTags {
		if tag = strings.TrimSpace(tag); tag != "" {
			l.EnableTraceTag(tag)
		}
	}
}

// WriteDefaultConfig writes the default configuration to configPath.
func WriteDefaultConfig(configPath string) error {
	return config.WriteDefaultTOML(configPath, DefaultConfig())
}
