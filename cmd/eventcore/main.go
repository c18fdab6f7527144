// Package main implements the entry point for the eventcore service: webhook
// and stream ingestion with normalized at-least-once delivery downstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/churnguard/eventcore/config"
	"github.com/churnguard/eventcore/engine"
)

const (
	Version = "0.1.0"
	appName = "eventcore"
)

type cliConfig struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
	validate    bool
}

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
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() *cliConfig {
	cli := &cliConfig{}
	flag.StringVar(&cli.configPath, "config", "config.yaml", "path to configuration file")
	flag.StringVar(&cli.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&cli.logFormat, "log-format", "json", "log format (json, text)")
	flag.BoolVar(&cli.showVersion, "version", false, "print version and exit")
	flag.BoolVar(&cli.validate, "validate", false, "validate configuration and exit")
	flag.Parse()
	return cli
}

func run() error {
	cli := parseFlags()

	if cli.showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cli.logLevel, cli.logFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cli.validate {
		slog.Info("configuration is valid", "path", cli.configPath)
		return nil
	}

	slog.Info("starting eventcore",
		"version", Version,
		"config_path", cli.configPath,
		"bind_address", cfg.Gateway.BindAddress)

	e, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received", "grace_period", cfg.ShutdownTimeout)

	if err := e.Stop(cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
