package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file.
const (
	EnvRoot       = "KASANE_ROOT"
	EnvDebug      = "KASANE_DEBUG"
	EnvServerHost = "KASANE_SERVER_HOST"
	EnvServerPort = "KASANE_SERVER_PORT"
	EnvDimensions = "KASANE_DIMENSIONS"
)

// LoadDotEnv loads KEY=VALUE pairs from the given .env files (default ".env") into
// the environment. Variables already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays KASANE_* environment variables on cfg.
func ApplyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvRoot); ok && v != "" {
		cfg.Hierarchy.Root = v
	}
	if v, ok := os.LookupEnv(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		cfg.Debug = b
	}
	if v, ok := os.LookupEnv(EnvServerHost); ok && v != "" {
		cfg.Server.Host = v
	}
	if v, ok := os.LookupEnv(EnvServerPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvServerPort, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := os.LookupEnv(EnvDimensions); ok && v != "" {
		dims, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDimensions, err)
		}
		cfg.Vectors.Dimensions = dims
	}
	return nil
}
