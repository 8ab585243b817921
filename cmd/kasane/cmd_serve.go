package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/config"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/hierarchy"
	"github.com/hyperjump/kasane/internal/metrics"
	"github.com/hyperjump/kasane/internal/server"
	"github.com/hyperjump/kasane/internal/watcher"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and aggregate levels as they change",
		Long: `Start the HTTP API. On start-up every level is checked and repaired, and
every edge is aggregated to catch up with writes made while the server was
down. Unless watching is disabled, a change to any level's store then
aggregates that level up its ancestor chain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prom := metrics.NewPrometheus()
			a, err := newApp(cmd, prom)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger
			cfg := a.cfg
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.Server.Port = port
			}

			logger.Info("config loaded",
				zap.String("config_path", a.configPath),
				zap.String("root", a.hier.Root()),
				zap.Int("levels", a.hier.Tree().Len()),
				zap.Bool("debug", cfg.Debug),
			)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := startupChecks(ctx, a); err != nil {
				return err
			}

			var opts []server.Option
			opts = append(opts, server.WithMetrics(prom.Handler()))
			var watchSvc *watcher.Watcher
			if cfg.Watch.EnabledOrDefault() {
				watchSvc = watcher.NewWatcher(
					a.hier.Root(),
					a.hier.LevelDir(),
					func(levelPath string) {
						if _, err := a.hier.Propagate(ctx, levelPath); err != nil && ctx.Err() == nil {
							logger.Warn("watch aggregation failed", zap.String("level", levelPath), zap.Error(err))
						}
					},
					watcher.WithLogger(logger),
					watcher.WithDebounce(cfg.Watch.Debounce),
				)
				if err := watchSvc.Start(ctx); err != nil {
					return fmt.Errorf("failed to start watcher: %w", err)
				}
				defer watchSvc.Stop()
				opts = append(opts, server.WithWatch(watchSvc))
			}

			if every := consolidateInterval(cfg.Consolidation); every > 0 {
				go consolidateLoop(ctx, a.hier, every, logger)
			}

			srv := server.NewServer(a.hier, a.engine, &cfg.Server, logger, opts...)
			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sigChan:
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}

			logger.Info("Shutting down...")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return srv.Stop(shutdownCtx)
		},
	}
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides config)")
	return cmd
}

// startupChecks repairs every level, then catches up on edges written while the
// server was down.
func startupChecks(ctx context.Context, a *app) error {
	reports, err := a.hier.CheckAll(ctx, true)
	if err != nil {
		return fmt.Errorf("start-up check failed: %w", err)
	}
	for _, r := range reports {
		if r.Status == guard.Diverged {
			a.logger.Warn("level repaired at start-up",
				zap.String("level", r.Level),
				zap.String("action", string(r.Action)),
				zap.Uint64("delta", r.Delta),
			)
		}
	}
	results, err := a.hier.AggregateAll(ctx)
	if err != nil {
		return fmt.Errorf("start-up aggregation failed: %w", err)
	}
	copied := 0
	for _, r := range results {
		copied += r.Copied
	}
	a.logger.Info("start-up complete",
		zap.Int("levels_checked", len(reports)),
		zap.Int("edges_aggregated", len(results)),
		zap.Int("vectors_copied", copied),
	)
	return nil
}

// consolidateInterval is how often serve checks consolidation thresholds: half the
// time bound, so an idle level consolidates within 1.5x of it. Zero disables.
func consolidateInterval(c config.ConsolidationConfig) time.Duration {
	if c.MaxInterval <= 0 {
		return 0
	}
	return max(c.MaxInterval/2, time.Second)
}

// consolidateLoop consolidates open levels whose thresholds are met until ctx ends.
func consolidateLoop(ctx context.Context, hier *hierarchy.Hierarchy, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := hier.ConsolidateDue(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("scheduled consolidation failed", zap.Error(err))
			}
		}
	}
}
