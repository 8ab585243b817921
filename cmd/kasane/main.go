// Package main is the Kasane CLI entry point.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/cli"
	"github.com/hyperjump/kasane/internal/config"
	"github.com/hyperjump/kasane/internal/consolidation"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/hierarchy"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/metrics"
	"github.com/hyperjump/kasane/internal/search"
	"github.com/hyperjump/kasane/internal/storage"
	"github.com/hyperjump/kasane/internal/vector"
	"github.com/hyperjump/kasane/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kasane/config.yaml"

// Exit codes.
const (
	exitFailure   = 1
	exitIntegrity = 3
)

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory wins if it exists, and a missing default file yields the
// built-in defaults. Returns the config and the path actually loaded ("" for
// defaults only).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(exitFailure)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(reportError(err))
	}
}

// reportError prints err and returns the process exit code for it.
func reportError(err error) int {
	var iv *storage.IntegrityViolationError
	if errors.As(err, &iv) || errors.Is(err, storage.ErrIntegrityViolation) {
		fmt.Fprintf(os.Stderr, "INTEGRITY VIOLATION: %v\n", err)
		fmt.Fprintln(os.Stderr, "Two different vectors produced the same fingerprint. The store was not modified.")
		return exitIntegrity
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitFailure
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kasane",
		Short: "Kasane - layered vector storage for session hierarchies",
		Long: `kasane stores vectors per session directory and aggregates them up the
directory hierarchy, so every level can answer similarity searches over
everything recorded below it.

Each level lives in <session>/.kasane/ and pairs a durable SQLite store with
an ANN index that can always be rebuilt from the store.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Config file path")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("root", "", "Hierarchy root directory (overrides config)")
	rootCmd.PersistentFlags().StringP("output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newSearchCmd(),
		newLevelsCmd(),
		newStatusCmd(),
		newCheckCmd(),
		newRebuildCmd(),
		newConsolidateCmd(),
		newAggregateCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			if format == cli.OutputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"version":         version,
					"faiss_available": vector.IsFAISSAvailable(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kasane version %s\n", version)
			return nil
		},
	}
}

func outputFormat(cmd *cobra.Command) (cli.OutputFormat, error) {
	s, _ := cmd.Flags().GetString("output")
	return cli.ParseOutputFormat(s)
}

// app holds what a command needs to work on a hierarchy.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	hier       *hierarchy.Hierarchy
	engine     *search.Engine
}

type appOption func(*config.Config)

// withDimensions sets the dimensionality used to create levels when the config
// leaves it unset.
func withDimensions(n int) appOption {
	return func(cfg *config.Config) {
		if cfg.Vectors.Dimensions == 0 {
			cfg.Vectors.Dimensions = n
		}
	}
}

// newApp loads config from the persistent flags and opens the hierarchy.
func newApp(cmd *cobra.Command, observer metrics.Observer, opts ...appOption) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		cfg.Hierarchy.Root = abs
	}
	for _, opt := range opts {
		opt(cfg)
	}
	debug, _ := cmd.Flags().GetBool("debug")
	cfg.Debug = cfg.Debug || debug

	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded",
		zap.String("config_path", resolved),
		zap.String("root", cfg.Hierarchy.Root),
	)

	hcfg, err := hierarchyConfig(cfg)
	if err != nil {
		return nil, err
	}
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	hier, err := hierarchy.New(hcfg, hierarchy.WithLogger(logger), hierarchy.WithObserver(observer))
	if err != nil {
		return nil, fmt.Errorf("failed to open hierarchy: %w", err)
	}
	return &app{
		cfg:        cfg,
		configPath: resolved,
		logger:     logger,
		hier:       hier,
		engine:     search.NewEngine(hier, search.WithLogger(logger)),
	}, nil
}

func (a *app) Close() {
	if err := a.hier.Close(); err != nil {
		a.logger.Warn("close levels failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// hierarchyConfig converts file config into the hierarchy's runtime config.
func hierarchyConfig(cfg *config.Config) (hierarchy.Config, error) {
	metric, err := vector.ParseMetric(cfg.Vectors.Metric)
	if err != nil {
		return hierarchy.Config{}, err
	}
	policy := guard.DefaultPolicy()
	policy.TolerateRatio = cfg.Guard.TolerateRatio
	policy.RebuildRatio = cfg.Guard.RebuildRatio
	policy.ReplayBatchSize = cfg.Guard.ReplayBatchSize

	return hierarchy.Config{
		Root:     cfg.Hierarchy.Root,
		LevelDir: cfg.Hierarchy.LevelDir,
		Level: level.Options{
			Dimensions: cfg.Vectors.Dimensions,
			Metric:     metric,
			Index: vector.Options{
				Type:     vector.IndexType(cfg.Index.Type),
				Metric:   metric,
				M:        cfg.Index.M,
				EfSearch: cfg.Index.EfSearch,
				Ml:       cfg.Index.Ml,
			},
			Consolidation: thresholds(cfg.Consolidation),
		},
		Guard:       policy,
		BatchSize:   cfg.Aggregation.BatchSize,
		Parallelism: cfg.Aggregation.Parallelism,
		Retry: hierarchy.Retry{
			MaxRetries: cfg.Aggregation.MaxRetries,
			Backoff:    cfg.Aggregation.RetryBackoff,
		},
	}, nil
}

// thresholds maps negative (disabled) criteria to the scheduler's zero.
func thresholds(c config.ConsolidationConfig) consolidation.Thresholds {
	var t consolidation.Thresholds
	if c.MaxVectors > 0 {
		t.MaxVectors = uint64(c.MaxVectors)
	}
	if c.MaxBatches > 0 {
		t.MaxBatches = uint64(c.MaxBatches)
	}
	if c.MaxInterval > 0 {
		t.MaxInterval = c.MaxInterval
	}
	return t
}

// shutdownTimeout bounds graceful server shutdown.
const shutdownTimeout = 10 * time.Second
