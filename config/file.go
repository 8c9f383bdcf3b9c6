package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApplyYAML overlays YAML data onto a copy of base. Keys absent from data keep
// their base values; secrets are never read from YAML.
func ApplyYAML(data []byte, base *Config) (*Config, error) {
	if base == nil {
		base = Defaults()
	}
	cfg := base.Clone()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return cfg, nil
}

// ApplyFile reads path and overlays it onto base.
func ApplyFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := ApplyYAML(data, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.File = path
	return cfg, nil
}

// LoadWithFile loads the environment config and, when DASHPOLL_CONFIG_FILE
// is set, overlays that file.
func LoadWithFile() (*Config, error) {
	cfg := Load()
	if cfg.File == "" {
		return cfg, nil
	}
	return ApplyFile(cfg.File, cfg)
}
