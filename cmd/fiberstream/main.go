// Package main implements the fiberstream daemon: a headless client for the
// fiber network status stream that reconciles topology, metrics and alerts
// into an in-memory store and serves them over HTTP, with optional NATS
// fanout of the canonical event feed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fibersight/fiberstream/client"
	"github.com/fibersight/fiberstream/config"
	"github.com/fibersight/fiberstream/fanout"
	"github.com/fibersight/fiberstream/health"
	"github.com/fibersight/fiberstream/metric"
	"github.com/fibersight/fiberstream/transport"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "fiberstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	registry := metric.NewRegistry()
	monitor := health.NewMonitor()

	opts := []client.Option{
		client.WithMetrics(registry),
	}
	if cfg.Token != "" {
		opts = append(opts, client.WithTokenProvider(transport.StaticToken(cfg.Token)))
	}
	if cfg.Fanout.URL != "" {
		opts = append(opts, client.WithFanout(fanout.New(cfg.Fanout,
			fanout.WithMetrics(registry))))
	}

	c := client.New(appName, cfg.ClientConfig(), opts...)
	if err := c.Initialize(); err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	var api *apiServer
	if cfg.HTTP.Addr != "" {
		api = newAPIServer(cfg.HTTP.Addr, c, registry, monitor)
		api.Start()
	}

	slog.Info("fiberstream started",
		"version", Version,
		"stream", cfg.ClientConfig().Transport.URL,
		"http", cfg.HTTP.Addr)

	<-ctx.Done()
	slog.Info("received shutdown signal")

	if api != nil {
		api.Stop(cliCfg.ShutdownTimeout)
	}
	if err := c.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("fiberstream shutdown complete")
	return nil
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	slog.SetDefault(setupLogger(cliCfg.LogLevel, cliCfg.LogFormat))
	return cliCfg, false, nil
}
