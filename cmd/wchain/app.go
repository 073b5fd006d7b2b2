package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/wchain/internal/config"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/registration"
	"github.com/tjfontaine/wchain/internal/storage"
	"github.com/tjfontaine/wchain/internal/storage/memory"
	"github.com/tjfontaine/wchain/internal/storage/sqlite"
	"github.com/tjfontaine/wchain/internal/telemetry"
)

const serviceName = "wchain"

// app holds everything a command needs, built from the loaded configuration.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	tracer     trace.Tracer
	store      storage.Store
	registry   *pipeline.Registry
	runner     *pipeline.Runner
	telemetry  *telemetry.Provider
}

func newApp(cmd *cli.Command) (*app, error) {
	logger, err := newLogger(cmd.String("log-level"))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{configPath: path, cfg: cfg, logger: logger}

	if cfg.Telemetry.Enabled {
		// Spans go to stderr so they never mix with pipeline output on stdout.
		provider, err := telemetry.InitTracer(serviceName, cfg.Telemetry, os.Stderr, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.telemetry = provider
		a.tracer = provider.Tracer(serviceName)
	}

	a.store, err = openStore(cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	registration.RegisterBuiltins()

	a.registry = pipeline.NewRegistry(pipeline.BuildOptions{
		Chain:  cfg.Chain,
		Logger: logger,
		Tracer: a.tracer,
	})
	if err := a.registry.Reload(cfg.Pipelines); err != nil {
		a.Close()
		return nil, fmt.Errorf("build pipelines: %w", err)
	}

	a.runner = pipeline.NewRunner(a.registry, a.store,
		pipeline.WithLogger(logger),
		pipeline.WithTracer(a.tracer),
	)
	return a, nil
}

// Close releases the store and flushes pending spans.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close store", slog.String("error", err.Error()))
		}
	}
	if a.telemetry != nil {
		a.telemetry.Shutdown(context.Background())
	}
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "", "memory":
		s, err := memory.New(cfg.Memory.Size)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	// Logs go to stderr; stdout carries pipeline output.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
