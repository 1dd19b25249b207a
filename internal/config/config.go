// Package config loads and live-reloads the proxy's on-disk configuration.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config is the structured record loaded from the on-disk config file.
// Field layout mirrors spec.md §6 and the original sero settings.rs.
type Config struct {
	Host   string `json:"host"`
	Target Target `json:"target"`
}

// Target describes the workload identity this process fronts. Immutable
// once loaded (spec.md §3): only the nested Timeout fields are candidates
// for live-reload.
type Target struct {
	Service    Service `json:"service"`
	Protocol   string  `json:"protocol"`
	Deployment string  `json:"deployment"`
	Timeout    Timeout `json:"timeout"`
}

// Service identifies the fronted Kubernetes Service.
type Service struct {
	Name string `json:"name"`
	Port int32  `json:"port"`
	// Inject is reserved, unused by this implementation (spec.md §6).
	Inject bool `json:"inject"`
}

// Timeout holds the timing knobs. Forward is reserved, unused.
type Timeout struct {
	Forward   int64 `json:"forward"`
	ScaleUp   int64 `json:"scaleUp"`
	ScaleDown int64 `json:"scaleDown"`
}

// Load reads and parses the YAML config file at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every field required before the listener may bind
// is present. A Config failing Validate is a fatal startup error
// (spec.md §7, "Config invalid at startup").
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.Target.Service.Name == "" {
		return fmt.Errorf("config: target.service.name is required")
	}
	if c.Target.Service.Port <= 0 {
		return fmt.Errorf("config: target.service.port must be positive")
	}
	if c.Target.Deployment == "" {
		return fmt.Errorf("config: target.deployment is required")
	}
	if c.Target.Timeout.ScaleUp <= 0 {
		return fmt.Errorf("config: target.timeout.scaleUp must be positive")
	}
	if c.Target.Timeout.ScaleDown <= 0 {
		return fmt.Errorf("config: target.timeout.scaleDown must be positive")
	}
	return nil
}
