// sqlpulse streams SQL query progress and schema changes to WebSocket clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus-qen/sqlpulse/internal/config"
	"github.com/marcus-qen/sqlpulse/internal/server"
	"github.com/marcus-qen/sqlpulse/internal/telemetry"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("SQLPULSE_CONFIG"), "Path to a JSON or YAML config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	writeDefault := flag.String("write-default-config", "", "Write the default config to this path and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sqlpulse %s (%s, %s)\n", version, commit, date)
		return
	}
	if *writeDefault != "" {
		if err := writeDefaultConfig(*writeDefault); err != nil {
			fmt.Fprintf(os.Stderr, "write default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote default config to %s\n", *writeDefault)
		return
	}
	server.Version, server.Commit, server.Date = version, commit, date

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.InitTraceProvider(context.Background(), cfg.TracingEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()
	if cfg.TracingEndpoint != "" {
		logger.Info("tracing enabled", zap.String("endpoint", cfg.TracingEndpoint))
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return
	}
	logger.Info("sqlpulse stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// writeDefaultConfig saves the default configuration to path. An existing
// file is left untouched.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return config.Default().Save(path)
}
