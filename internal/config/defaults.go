package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Hierarchy.Root == "" {
		cfg.Hierarchy.Root = "."
	}
	if cfg.Hierarchy.LevelDir == "" {
		cfg.Hierarchy.LevelDir = ".kasane"
	}
	if cfg.Vectors.Metric == "" {
		cfg.Vectors.Metric = "cosine"
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "hnsw"
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = 16
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = 100
	}
	if cfg.Index.Ml == 0 {
		cfg.Index.Ml = 0.25
	}
	if cfg.Consolidation.MaxVectors == 0 {
		cfg.Consolidation.MaxVectors = 10000
	}
	if cfg.Consolidation.MaxBatches == 0 {
		cfg.Consolidation.MaxBatches = 100
	}
	if cfg.Consolidation.MaxInterval == 0 {
		cfg.Consolidation.MaxInterval = 10 * time.Minute
	}
	if cfg.Guard.TolerateRatio == 0 {
		cfg.Guard.TolerateRatio = 0.01
	}
	if cfg.Guard.RebuildRatio == 0 {
		cfg.Guard.RebuildRatio = 0.05
	}
	if cfg.Guard.ReplayBatchSize == 0 {
		cfg.Guard.ReplayBatchSize = 1000
	}
	if cfg.Aggregation.BatchSize == 0 {
		cfg.Aggregation.BatchSize = 500
	}
	if cfg.Aggregation.Parallelism == 0 {
		cfg.Aggregation.Parallelism = 4
	}
	if cfg.Aggregation.MaxRetries == 0 {
		cfg.Aggregation.MaxRetries = 3
	}
	if cfg.Aggregation.RetryBackoff == 0 {
		cfg.Aggregation.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 2 * time.Second
	}
}
