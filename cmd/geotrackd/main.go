package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/metrics"
	"github.com/geotrack/geotrack/pkg/uci"
)

const (
	version = "1.0.0-dev"
	appName = "geotrackd"
)

func main() {
	// Command line flags
	var (
		configFile  = flag.String("config", "/etc/config/geotrack", "UCI config file path")
		useUCI      = flag.Bool("uci", false, "Read configuration through `uci show` instead of the file")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		syslog      = flag.Bool("syslog", false, "Also send logs to syslog")
		autoStart   = flag.Bool("track", false, "Start tracking immediately")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	bootLogger := logx.NewLogger("info", appName)

	// Load configuration
	var (
		config *uci.Config
		err    error
	)
	if *useUCI {
		config, err = uci.NewUCI(bootLogger, "geotrack").LoadConfig(context.Background())
	} else {
		config, err = uci.LoadConfig(*configFile)
	}
	if err != nil {
		bootLogger.Error("Failed to load config", "error", err, "config_file", *configFile)
		os.Exit(1)
	}

	effectiveLogLevel := config.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, appName)
	if *syslog {
		if err := logger.EnableSyslog(appName); err != nil {
			logger.Warn("Syslog unavailable", "error", err)
		}
	}

	if config.AgentID == "" {
		host, _ := os.Hostname()
		config.AgentID = host
	}
	metrics.Version = version

	logger.Info("starting geotrack daemon",
		"version", version,
		"config", *configFile,
		"log_level", effectiveLogLevel,
		"agent_id", config.AgentID,
		"device", config.Device,
		"presence", config.Presence.Transport,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := build(ctx, config, logger)
	if err != nil {
		logger.Error("Failed to initialise", "error", err)
		os.Exit(1)
	}

	if config.MetricsListen != "" {
		if err := d.metricsServer.Start(config.MetricsListen); err != nil {
			logger.Error("Failed to start metrics server", "error", err)
		}
	}

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           d.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("API server listening", "addr", config.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", "error", err)
			cancel()
		}
	}()

	if *autoStart {
		if err := d.tracker.Start(ctx, trackOptions(config)); err != nil {
			logger.Error("Failed to start tracking", "error", err)
			d.health.RecordError("tracker", "start", err.Error())
		}
	}

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	started := time.Now()
	d.metrics.UpdateDaemon(started)
	logger.Info("geotrack daemon started successfully")

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, shutting down")
			break loop
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", "signal", sig)
			break loop
		case <-ticker.C:
			d.metrics.UpdateDaemon(started)
			logger.Debug("Daemon heartbeat", "uptime", time.Since(started).Round(time.Second).String())
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}
	if err := d.tracker.Stop(shutdownCtx); err != nil {
		logger.Error("Tracker stop failed", "error", err)
	}
	if err := d.metricsServer.Stop(); err != nil {
		logger.Error("Metrics server stop failed", "error", err)
	}
	d.close()
	logger.Info("geotrack daemon stopped")
}
