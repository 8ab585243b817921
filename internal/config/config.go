// Package config provides configuration loading and structs for the Kasane server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug         bool                `yaml:"debug"`
	Server        ServerConfig        `yaml:"server"`
	Hierarchy     HierarchyConfig     `yaml:"hierarchy"`
	Vectors       VectorsConfig       `yaml:"vectors"`
	Index         IndexConfig         `yaml:"index"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Guard         GuardConfig         `yaml:"guard"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Watch         WatchConfig         `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HierarchyConfig locates the session tree.
type HierarchyConfig struct {
	Root     string `yaml:"root"`
	LevelDir string `yaml:"level_dir"`
}

// VectorsConfig describes the vectors of newly created levels.
type VectorsConfig struct {
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`
}

// IndexConfig holds ANN index settings for created and rebuilt indexes.
type IndexConfig struct {
	Type     string  `yaml:"type"`
	M        int     `yaml:"m"`
	EfSearch int     `yaml:"ef_search"`
	Ml       float64 `yaml:"ml"`
}

// ConsolidationConfig holds consolidation thresholds. A negative value disables
// that criterion; zero takes the default.
type ConsolidationConfig struct {
	MaxVectors  int           `yaml:"max_vectors"`
	MaxBatches  int           `yaml:"max_batches"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// GuardConfig holds the consistency guard policy.
type GuardConfig struct {
	TolerateRatio   float64 `yaml:"tolerate_ratio"`
	RebuildRatio    float64 `yaml:"rebuild_ratio"`
	ReplayBatchSize int     `yaml:"replay_batch_size"`
}

// AggregationConfig holds aggregation settings.
type AggregationConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Parallelism  int           `yaml:"parallelism"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// WatchConfig holds level store watch settings used by the server.
type WatchConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// EnabledOrDefault returns whether to watch; defaults to true when unset.
func (w *WatchConfig) EnabledOrDefault() bool {
	if w.Enabled != nil {
		return *w.Enabled
	}
	return true
}

// Load reads and parses the config file at path, applies defaults and environment
// overrides, and expands paths. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	configDir := "."
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		configDir = filepath.Dir(path)
	}

	ApplyDefaults(&cfg)
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Hierarchy.Root = expandPath(cfg.Hierarchy.Root, configDir)
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Vectors.Metric {
	case "cosine", "l2":
	default:
		return fmt.Errorf("vectors.metric must be cosine or l2, got %q", c.Vectors.Metric)
	}
	switch c.Index.Type {
	case "hnsw", "memory", "faiss":
	default:
		return fmt.Errorf("index.type must be hnsw, memory, or faiss, got %q", c.Index.Type)
	}
	if c.Vectors.Dimensions < 0 {
		return fmt.Errorf("vectors.dimensions must not be negative")
	}
	if c.Guard.TolerateRatio > c.Guard.RebuildRatio {
		return fmt.Errorf("guard.tolerate_ratio (%g) exceeds guard.rebuild_ratio (%g)",
			c.Guard.TolerateRatio, c.Guard.RebuildRatio)
	}
	if strings.ContainsAny(c.Hierarchy.LevelDir, `/\`) {
		return fmt.Errorf("hierarchy.level_dir must be a single directory name")
	}
	return nil
}

// expandPath converts a path to absolute. "~/" paths are relative to the home
// directory; other relative paths are relative to configDir.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if abs, err := filepath.Abs(filepath.Join(configDir, path)); err == nil {
		return abs
	}
	return path
}
