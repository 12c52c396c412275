// Command agent sends beats to a beatmon control plane.
//
// # Usage
//
//	agent --control-plane https://beats.pilot.net --token s3cret --devices pump-house,gate-north
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (BEATMON_AGENT_*)
// - Config file (--config)
//
// # Examples
//
// Run with config file:
//
//	agent --config /etc/beatmon/agent.yaml
//
// Run with environment variables:
//
//	BEATMON_AGENT_URL=https://beats.pilot.net \
//	BEATMON_AGENT_TOKEN=s3cret \
//	BEATMON_AGENT_DEVICES=pump-house \
//	agent
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/beatmon/agent"
	"github.com/pilot-net/beatmon/agent/internal/config"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to config file")
		controlPlane = flag.String("control-plane", "", "Control plane URL")
		token        = flag.String("token", "", "API token")
		devices      = flag.String("devices", "", "Comma-separated device names")
		interval     = flag.Duration("interval", 0, "Beat interval (e.g. 30s)")
		debug        = flag.Bool("debug", false, "Enable debug logging")
		version      = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("beatmon-agent %s\n", agent.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	// Apply flag overrides
	if *controlPlane != "" {
		cfg.ControlPlane.URL = *controlPlane
	}
	if *token != "" {
		cfg.ControlPlane.Token = *token
	}
	if *devices != "" {
		cfg.Agent.Devices = config.SplitDevices(*devices)
	}
	if *interval > 0 {
		cfg.Agent.Interval = *interval
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}
