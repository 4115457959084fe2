// Command doorwatch runs a headless live floor-plan session against an
// access-control backend and keeps a PNG snapshot of the floor plan current.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"doorwatch/api"
	"doorwatch/common/config"
	"doorwatch/common/logger"
	"doorwatch/dashboard"
	"doorwatch/storage"
	"doorwatch/timers"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var appLogger *logger.Logger

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	saveDirty := flag.Bool("save-dirty", false, "Retry unsaved position changes from the local cache on startup")
	flag.Parse()

	if *showVersion {
		fmt.Printf("DoorWatch %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	resolved := config.ResolveConfigPath(*configPath)

	if *generateConfig {
		if err := WriteDefaultConfig(resolved); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at %s\n", resolved)
		return
	}

	opts := runOptions{configPath: resolved, saveDirty: *saveDirty}

	if *serviceCmd != "" {
		handleServiceCommand(*serviceCmd, opts)
		return
	}

	if !service.Interactive() {
		runAsService(opts)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, false); err != nil {
		fmt.Fprintf(os.Stderr, "doorwatch: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath string
	saveDirty  bool
}

// run starts the session and the snapshot writer and blocks until ctx ends.
func run(ctx context.Context, opts runOptions, isService bool) error {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		if logDir, err = config.GetLogDirectory(isService); err != nil {
			return err
		}
	}
	appLogger = logger.New(logger.LevelFromString(cfg.Logging.Level), logDir, 1000)
	defer appLogger.Close()
	applyLogging(appLogger, cfg.Logging)
	if isService {
		// The service manager has no console; the log file is the record.
		appLogger.SetOutput(nil)
	}
	appLogger.Info("DoorWatch starting", "version", Version, "server", cfg.Server.URL, "config", opts.configPath)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dataDir, err := config.GetDataDirectory(isService)
		if err != nil {
			return err
		}
		dbPath = filepath.Join(dataDir, "cache.db")
	}
	cache, err := storage.Open(dbPath, appLogger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	client, err := api.New(api.Options{
		BaseURL:            cfg.Server.URL,
		Token:              cfg.Server.Token,
		ClientID:           cfg.Server.ClientID,
		Timeout:            config.Millis(cfg.Server.TimeoutMs, 15*time.Second),
		Retries:            cfg.Server.Retries,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
	}, appLogger)
	if err != nil {
		return err
	}

	session, err := dashboard.New(cfg.SessionConfig(), client, cache, timers.RealClock(), appLogger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(runCtx) }()

	if opts.saveDirty {
		go func() {
			select {
			case <-session.Ready():
			case <-runCtx.Done():
				return
			}
			if n, err := session.SaveDirty(runCtx); err != nil {
				appLogger.Warn("Could not retry unsaved positions", "error", err)
			} else {
				appLogger.Info("Retrying unsaved positions", "count", n)
			}
		}()
	}

	go reconnectOnHangup(runCtx, session, opts.configPath)

	if cfg.Snapshot.Path != "" {
		go writeSnapshots(runCtx, session, cfg.Snapshot.Path, config.Millis(cfg.Snapshot.MinIntervalMs, time.Second))
	}

	err = <-done
	appLogger.Info("DoorWatch stopped")
	return err
}

// reconnectOnHangup restarts the live feed on SIGHUP, the manual way out of
// the Offline state after a long backend outage. Logging settings are
// re-read from the config file at the same time.
func reconnectOnHangup(ctx context.Context, s *dashboard.Session, configPath string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			appLogger.Info("SIGHUP received, reconnecting live feed and reloading floor plan")
			if cfg, err := LoadConfig(configPath); err != nil {
				appLogger.Warn("Config not reloaded", "error", err)
			} else {
				applyLogging(appLogger, cfg.Logging)
			}
			if err := s.Reconnect(ctx); err != nil {
				appLogger.Warn("Reconnect failed", "error", err)
				continue
			}
			if err := s.Refresh(ctx); err != nil {
				appLogger.Warn("Refresh failed", "error", err)
			}
		}
	}
}

// writeSnapshots re-renders the floor plan whenever it changes, at most once
// per minInterval, plus once per highlight expiry window so rings clear.
func writeSnapshots(ctx context.Context, s *dashboard.Session, path string, minInterval time.Duration) {
	ticker := time.NewTicker(minInterval)
	defer ticker.Stop()

	pending := true
	idleTicks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Redraws():
			pending = true
		case <-ticker.C:
			if !pending {
				// Highlights expire by time alone; repaint a few times after a change.
				if idleTicks >= 3 {
					continue
				}
				idleTicks++
			} else {
				idleTicks = 0
			}
			pending = false

			img, err := s.Snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					appLogger.WarnRateLimited("snapshot_render", time.Minute, "Snapshot render failed", "error", err)
				}
				continue
			}
			if err := dashboard.WriteSnapshot(path, img); err != nil {
				appLogger.WarnRateLimited("snapshot_write", time.Minute, "Snapshot write failed", "path", path, "error", err)
				continue
			}
			appLogger.TraceTag("snapshot", "Snapshot written", "path", path)
		}
	}
}
