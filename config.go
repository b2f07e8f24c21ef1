// config.go: Runtime configuration, snapshots, and environment overrides
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigSnapshot is the read-only configuration view a worker holds
// between reinitialize broadcasts. It is always replaced wholesale, never
// edited in place.
type ConfigSnapshot struct {
	ActiveExtensions []string          `json:"active_extensions" yaml:"active_extensions"`
	ActiveTheme      string            `json:"active_theme" yaml:"active_theme"`
	Options          map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// RuntimeConfig is the on-disk configuration for the runtime and the
// worker pool.
type RuntimeConfig struct {
	Extensions struct {
		Dir            string   `json:"dir" yaml:"dir"`
		ThemesDir      string   `json:"themes_dir" yaml:"themes_dir"`
		Active         []string `json:"active" yaml:"active"`
		Theme          string   `json:"theme" yaml:"theme"`
		DependencyDirs []string `json:"dependency_dirs" yaml:"dependency_dirs"`
	} `json:"extensions" yaml:"extensions"`

	Workers struct {
		Count         int           `json:"count" yaml:"count"`
		DrainInterval time.Duration `json:"drain_interval" yaml:"drain_interval"`
		ListenTimeout time.Duration `json:"listen_timeout" yaml:"listen_timeout"`
		RestartGrace  time.Duration `json:"restart_grace" yaml:"restart_grace"`
	} `json:"workers" yaml:"workers"`

	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`

	Locale string `json:"locale,omitempty" yaml:"locale,omitempty"`
}

// DefaultRuntimeConfig returns a configuration with sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	var config RuntimeConfig
	config.ApplyDefaults()
	return config
}

// ApplyDefaults fills unset fields with defaults.
func (c *RuntimeConfig) ApplyDefaults() {
	if c.Extensions.Dir == "" {
		c.Extensions.Dir = "extensions"
	}
	if c.Extensions.ThemesDir == "" {
		c.Extensions.ThemesDir = c.Extensions.Dir
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = runtime.NumCPU()
	}
	if c.Workers.DrainInterval == 0 {
		c.Workers.DrainInterval = 2 * time.Second
	}
	if c.Workers.ListenTimeout == 0 {
		c.Workers.ListenTimeout = 30 * time.Second
	}
	if c.Workers.RestartGrace == 0 {
		c.Workers.RestartGrace = 5 * time.Second
	}
	if c.Locale == "" {
		c.Locale = "en"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *RuntimeConfig) Validate() error {
	if c.Extensions.Dir == "" {
		return NewConfigValidationError("extensions.dir cannot be empty", nil)
	}
	if c.Workers.Count < 1 {
		return NewConfigValidationError("workers.count must be at least 1", nil)
	}
	seen := make(map[string]struct{}, len(c.Extensions.Active))
	for _, slug := range c.Extensions.Active {
		if slug == "" {
			return NewConfigValidationError("extensions.active contains an empty slug", nil)
		}
		if _, dup := seen[slug]; dup {
			return NewConfigValidationError("extensions.active contains duplicate slug: "+slug, nil)
		}
		seen[slug] = struct{}{}
	}
	return nil
}

// Snapshot derives the worker-facing configuration snapshot.
func (c *RuntimeConfig) Snapshot() ConfigSnapshot {
	options := make(map[string]string, len(c.Options))
	for k, v := range c.Options {
		options[k] = v
	}
	return ConfigSnapshot{
		ActiveExtensions: append([]string(nil), c.Extensions.Active...),
		ActiveTheme:      c.Extensions.Theme,
		Options:          options,
	}
}

// LoaderConfig derives the extension loader configuration.
func (c *RuntimeConfig) LoaderConfig() LoaderConfig {
	return LoaderConfig{
		ExtensionsDir:  c.Extensions.Dir,
		ThemesDir:      c.Extensions.ThemesDir,
		DependencyDirs: c.Extensions.DependencyDirs,
	}
}

// LoadRuntimeConfig parses a YAML configuration file, applies defaults and
// environment overrides, and validates the result.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	var config RuntimeConfig
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return config, NewConfigParseError(path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, NewConfigParseError(path, err)
	}
	config.ApplyDefaults()
	applyEnvOverrides(&config)
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Environment variable overrides, GO_CMS_ prefixed. Overrides apply after
// file parsing and before validation.
const (
	envWorkerCount   = "GO_CMS_WORKER_COUNT"
	envExtensionsDir = "GO_CMS_EXTENSIONS_DIR"
	envThemesDir     = "GO_CMS_THEMES_DIR"
	envActiveTheme   = "GO_CMS_ACTIVE_THEME"
	envActivePlugins = "GO_CMS_ACTIVE_PLUGINS"

	// envSupervisor marks the presence of a supervising parent process
	// that owns full restarts.
	envSupervisor = "GO_CMS_SUPERVISOR"

	// envWorkerSlot is set by the coordinator on spawned workers.
	envWorkerSlot = "GO_CMS_WORKER_SLOT"
)

// applyEnvOverrides applies GO_CMS_* environment overrides in place.
func applyEnvOverrides(config *RuntimeConfig) {
	if v := os.Getenv(envWorkerCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Workers.Count = n
		}
	}
	if v := os.Getenv(envExtensionsDir); v != "" {
		config.Extensions.Dir = v
	}
	if v := os.Getenv(envThemesDir); v != "" {
		config.Extensions.ThemesDir = v
	}
	if v := os.Getenv(envActiveTheme); v != "" {
		config.Extensions.Theme = v
	}
	if v := os.Getenv(envActivePlugins); v != "" {
		parts := strings.Split(v, ",")
		active := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				active = append(active, trimmed)
			}
		}
		config.Extensions.Active = active
	}
}

// SupervisorPresent reports whether a supervising parent process is
// declared in the environment. The coordinator delegates full restarts to
// it when present.
func SupervisorPresent() bool {
	return os.Getenv(envSupervisor) != ""
}

// WorkerSlotFromEnv returns the worker slot assigned by the coordinator,
// or 0 and false when this process is not a spawned worker.
func WorkerSlotFromEnv() (int, bool) {
	v := os.Getenv(envWorkerSlot)
	if v == "" {
		return 0, false
	}
	slot, err := strconv.Atoi(v)
	if err != nil || slot < 1 {
		return 0, false
	}
	return slot, true
}
