// Package main is the vision capture coordinator entry point: it wires
// machine telemetry from the MQTT broker to camera recordings and serves
// the HTTP control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/visionline/visiond/internal/api"
	"github.com/visionline/visiond/internal/autorecord"
	"github.com/visionline/visiond/internal/bus"
	"github.com/visionline/visiond/internal/camera"
	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/clock"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/state"
	"github.com/visionline/visiond/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := setupLogging(cfg, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting vision capture coordinator",
		"config", *configPath,
		"cameras", len(cfg.Cameras),
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.BrokerHost, cfg.MQTT.BrokerPort),
	)

	clk, err := clock.New(cfg.System.Timezone)
	if err != nil {
		slog.Error("Failed to load timezone", "timezone", cfg.System.Timezone, "error", err)
		os.Exit(1)
	}

	store := state.NewStore()
	eventBus := events.NewBus()

	index, err := storage.NewIndex(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	busClient := bus.NewClient(cfg, store, eventBus)
	if err := busClient.Start(); err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}

	adapter := camsdk.New(len(cfg.Cameras))
	mgr := camera.NewManager(cfg, adapter, clk, index, store, eventBus, nil)
	if err := mgr.Start(); err != nil {
		slog.Error("Failed to start camera manager", "error", err)
		busClient.Stop()
		os.Exit(1)
	}

	ctl := autorecord.NewController(cfg, mgr, store, eventBus)
	ctl.Start()

	hub := api.NewHub()
	go hub.Run()
	hub.AttachBus(eventBus)

	var server *api.Server
	if cfg.System.EnableAPI {
		server = api.NewServer(cfg, store, busClient, index, mgr, ctl, clk, hub)
		go func() {
			if err := server.Start(); err != nil {
				slog.Error("Control plane failed", "error", err)
			}
		}()
	}

	if err := cfg.Watch(); err != nil {
		slog.Warn("Configuration hot reload unavailable", "error", err)
	}
	cfg.OnChange(func(c *config.Config) {
		slog.Info("Configuration reloaded", "cameras", len(c.Cameras))
	})

	store.SetStarted(true)
	slog.Info("Coordinator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	eventBus.Publish(events.SystemShutdown, "main", map[string]any{"signal": sig.String()})
	store.SetStarted(false)

	// Teardown runs in reverse of startup order.
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Control plane shutdown failed", "error", err)
		}
		cancel()
	}
	ctl.Stop()
	mgr.Stop()
	busClient.Stop()

	slog.Info("Shutdown complete")
}

// setupLogging installs the process-wide JSON logger. The flag wins over
// the configured level; an optional log file receives a copy of stdout.
func setupLogging(cfg *config.Config, override string) error {
	levelName := cfg.System.LogLevel
	if override != "" {
		levelName = override
	}

	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level: %s", levelName)
	}

	var out io.Writer = os.Stdout
	if cfg.System.LogFile != "" {
		f, err := os.OpenFile(cfg.System.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
	return nil
}
