package history

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedConfig names the symbol/interval matrix the seeder backfills on
// startup.
type SeedConfig struct {
	Symbols   []string `yaml:"symbols"`
	Intervals []string `yaml:"intervals"`
	Limit     int      `yaml:"limit"`
}

// DefaultSeedConfig is the built-in seed matrix: 7 symbols x 6 intervals,
// 1000 candles each.
func DefaultSeedConfig() *SeedConfig {
	return &SeedConfig{
		Symbols: []string{
			"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT",
			"XRPUSDT", "ADAUSDT", "DOGEUSDT",
		},
		Intervals: []string{"1m", "5m", "15m", "1h", "4h", "1d"},
		Limit:     1000,
	}
}

// LoadSeedConfig loads the seed matrix from a YAML file.
func LoadSeedConfig(path string) (*SeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed config: %w", err)
	}

	var cfg SeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse seed config: %w", err)
	}

	if len(cfg.Symbols) == 0 || len(cfg.Intervals) == 0 {
		return nil, fmt.Errorf("seed config names no symbols or intervals")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultSeedConfig().Limit
	}
	return &cfg, nil
}

// LoadSeedConfigWithFallback tries the YAML file and falls back to the
// built-in matrix.
func LoadSeedConfigWithFallback(path string) *SeedConfig {
	if path == "" {
		return DefaultSeedConfig()
	}
	cfg, err := LoadSeedConfig(path)
	if err != nil {
		return DefaultSeedConfig()
	}
	return cfg
}
