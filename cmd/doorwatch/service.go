package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	opts      runOptions
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("DoorWatch service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := run(p.ctx, p.opts, true); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(fmt.Sprintf("DoorWatch service failed: %v", err))
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("DoorWatch service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("DoorWatch service stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("DoorWatch service stopped with timeout")
		}
	}
	return nil
}

// serviceWorkingDir is the platform data directory used as the service's
// working directory.
func serviceWorkingDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DoorWatch")
	case "darwin":
		return "/Library/Application Support/DoorWatch"
	default:
		return "/var/lib/doorwatch"
	}
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig(opts runOptions) *service.Config {
	args := []string{"--service", "run"}
	if opts.configPath != "" {
		if abs, err := filepath.Abs(opts.configPath); err == nil {
			args = append(args, "--config", abs)
		}
	}

	return &service.Config{
		Name:             "DoorWatch",
		DisplayName:      "DoorWatch Floor Plan",
		Description:      "Keeps a live floor-plan view of door controller status and writes floor-plan snapshots.",
		WorkingDirectory: serviceWorkingDir(),
		Arguments:        args,
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",

			// macOS launchd options
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// handleServiceCommand processes service install/uninstall/start/stop/run commands
func handleServiceCommand(cmd string, opts runOptions) {
	prg := &program{opts: opts}
	s, err := service.New(prg, getServiceConfig(opts))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "install":
		if err := os.MkdirAll(serviceWorkingDir(), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create service directory: %v\n", err)
			os.Exit(1)
		}
		err = s.Install()
	case "uninstall":
		err = s.Uninstall()
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "run":
		err = s.Run()
	default:
		fmt.Fprintf(os.Stderr, "Unknown service command %q (use install, uninstall, start, stop, run)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
	if cmd != "run" {
		fmt.Printf("DoorWatch service %s: ok\n", cmd)
	}
}

// runAsService runs under the platform service manager.
func runAsService(opts runOptions) {
	prg := &program{opts: opts}
	s, err := service.New(prg, getServiceConfig(opts))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}
	if err := s.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Service run failed: %v\n", err)
		os.Exit(1)
	}
}
