package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is read when KHSSYNC_CONFIG is not set.
const DefaultPath = "./khssync.yaml"

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags).
// The YAML file path is taken from KHSSYNC_CONFIG (fallback DefaultPath).
// A missing default file is not an error; a missing explicit one is.
func Load() (*Config, error) {
	path := os.Getenv("KHSSYNC_CONFIG")
	return LoadFile(path)
}

// LoadFile is Load with an explicit path. An empty path behaves like Load
// without KHSSYNC_CONFIG.
func LoadFile(path string) (*Config, error) {
	var cfg Config

	explicitPath := path != ""
	if !explicitPath {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}
