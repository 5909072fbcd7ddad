package divvy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-file counterpart to the run command's flags.
// Flags always take precedence over a loaded file — Config only
// supplies defaults for anything the caller leaves unset.
type Config struct {
	Concurrency int    `yaml:"concurrency"`
	Verbose     bool   `yaml:"verbose"`
	SocketPath  string `yaml:"socket_path"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
