package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/polisai/polis-transform/pkg/api"
	"github.com/polisai/polis-transform/pkg/config"
	"github.com/polisai/polis-transform/pkg/registry"
	"github.com/polisai/polis-transform/pkg/telemetry"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *cliFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve transforms over HTTP",
		Long: `Start the local HTTP adapter.

When a config file is given it is watched, and transforms.enabled is applied
to running executions without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.address)")
	return cmd
}

func runServe(parent context.Context, flags *cliFlags, addr string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Address = addr
	}
	logger := newAppLogger(cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if flags.ConfigPath != "" {
		provider, err := config.NewFileConfigProvider(flags.ConfigPath, a.gate, logger)
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer func() { _ = provider.Close() }()
		go watchConfig(ctx, provider, logger)
	}

	if cfg.Transforms.WatchModules {
		watcher, err := registry.NewTamperWatcher(a.registry, a.onTamper, logger)
		if err != nil {
			return fmt.Errorf("failed to create tamper watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			_ = watcher.Stop()
			return fmt.Errorf("failed to start tamper watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	handler := api.NewHandler(api.Deps{
		Executor:     a.executor,
		Chain:        a.chain,
		Catalog:      a.registry,
		Gate:         a.gate,
		Metrics:      a.metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	server := api.NewServer(cfg.Server.Address, handler, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx)
	}()

	logger.Info("polis-transform started",
		"addr", cfg.Server.Address,
		"executor", a.executor.Name(),
		"enabled", a.gate.Enabled(),
		"transforms", len(a.registry.List()))

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// watchConfig logs reloads. Only the feature gate is applied live; every other
// change is reported as needing a restart.
func watchConfig(ctx context.Context, provider *config.FileConfigProvider, logger *slog.Logger) {
	running := provider.Current()
	updates := provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if cfg == running {
				continue
			}
			logger.Info("Configuration reloaded", "transforms_enabled", cfg.Transforms.Enabled)
			if changed := restartRequired(running, cfg); len(changed) > 0 {
				logger.Warn("Configuration changes take effect after restart", "settings", changed)
			}
		}
	}
}

// restartRequired lists the settings that differ between the running and the
// reloaded configuration but are fixed at startup.
func restartRequired(running, next *config.Config) []string {
	var changed []string
	if running.Limits != next.Limits {
		changed = append(changed, "limits")
	}
	if !slices.Equal(running.Transforms.TrustedRoots, next.Transforms.TrustedRoots) {
		changed = append(changed, "transforms.trusted_roots")
	}
	if running.Transforms.Manifest != next.Transforms.Manifest {
		changed = append(changed, "transforms.manifest")
	}
	if running.Executor.Mode != next.Executor.Mode ||
		running.Executor.MaxStderrBytes != next.Executor.MaxStderrBytes ||
		!slices.Equal(running.Executor.WorkerCommand, next.Executor.WorkerCommand) {
		changed = append(changed, "executor")
	}
	if running.Policy != next.Policy {
		changed = append(changed, "policy")
	}
	if running.Server != next.Server {
		changed = append(changed, "server")
	}
	return changed
}
