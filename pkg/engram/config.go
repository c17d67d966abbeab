package engram

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ConfigFromEnv builds a Config from ENGRAM_* environment variables,
// falling back to the documented defaults. Collector and Logger cannot come
// from the environment and are left nil for the caller to set.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse engram config: %w", err)
	}
	return cfg, nil
}
