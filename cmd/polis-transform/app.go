package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-transform/pkg/config"
	"github.com/polisai/polis-transform/pkg/executor"
	"github.com/polisai/polis-transform/pkg/logging"
	"github.com/polisai/polis-transform/pkg/policy"
	"github.com/polisai/polis-transform/pkg/registry"
)

// app is the wired engine shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	gate     *config.FeatureFlag
	registry *registry.Registry
	metrics  *executor.Metrics
	executor executor.Executor
	chain    *executor.Chain

	// registerErr holds manifest entries that were rejected. The rest of the
	// manifest is still registered.
	registerErr error
}

func loadConfig(flags *cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	return cfg, nil
}

func newAppLogger(cfg *config.Config) *slog.Logger {
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)
	return logger
}

// buildApp wires registry, admission, executor and chain from cfg. The gate
// is seeded from the configuration; serve may later drive it from a watched
// file.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	reg, err := registry.New(cfg.Transforms.TrustedRoots, registry.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		gate:     config.NewFeatureFlag(cfg.Transforms.Enabled),
		registry: reg,
		metrics:  executor.NewMetrics(),
	}

	if cfg.Transforms.Manifest != "" {
		entries, err := registry.LoadManifest(cfg.Transforms.Manifest)
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterAll(entries); err != nil {
			a.registerErr = err
			logger.Warn("Some transforms were rejected at registration", "error", err)
		}
	}
	a.metrics.SetRegistered(len(reg.List()))

	var admission executor.Admission
	if cfg.Policy.File != "" {
		opts := policy.EngineOptions{Entrypoint: cfg.Policy.Entrypoint, Logger: logger}
		if cfg.Policy.DisableCache {
			opts.CacheMaxEntries = -1
		}
		engine, err := policy.LoadEngine(ctx, cfg.Policy.File, opts)
		if err != nil {
			return nil, err
		}
		admission = engine
	}

	runner, err := executor.Resolve(executor.ResolveOptions{
		Mode: cfg.Executor.Mode,
		Executor: executor.Options{
			Gate:      a.gate,
			Catalog:   reg,
			Limits:    cfg.ExecutionLimits(),
			Admission: admission,
			Metrics:   a.metrics,
			Logger:    logger,
		},
		Worker: executor.WorkerOptions{
			Command:        cfg.Executor.WorkerCommand,
			MaxStderrBytes: cfg.Executor.MaxStderrBytes,
		},
	})
	if err != nil {
		return nil, err
	}
	a.executor = runner
	a.chain = executor.NewChain(runner, cfg.ExecutionLimits().MaxTransformsPerChain, a.metrics, logger)

	return a, nil
}

// onTamper is the registry watcher callback.
func (a *app) onTamper(id string) {
	a.metrics.RecordTamper(id)
	a.logger.Warn("Registered transform module changed on disk; executions will be denied until re-registered",
		"transform_id", id)
}
