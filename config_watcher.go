// config_watcher.go: Configuration hot reload with Argus integration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcherOptions customizes the configuration watcher behavior.
type ConfigWatcherOptions struct {
	// PollInterval is how often Argus checks the file for changes.
	PollInterval time.Duration

	// CacheTTL is the Argus stat-cache lifetime.
	CacheTTL time.Duration

	// ErrorHandler receives file watching errors. When nil, errors are
	// logged through the watcher's logger.
	ErrorHandler func(err error, path string)
}

// applyDefaults fills unset options.
func (o *ConfigWatcherOptions) applyDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = o.PollInterval / 2
	}
}

// ConfigWatcher watches the runtime configuration file and delivers every
// successfully parsed revision to a callback. The coordinator uses that
// callback to broadcast fresh snapshots to the worker pool; a parse or
// validation failure keeps the previous configuration in effect.
type ConfigWatcher struct {
	configPath string
	onChange   func(RuntimeConfig)
	logger     Logger
	options    ConfigWatcherOptions

	watcher *argus.Watcher

	current atomic.Pointer[RuntimeConfig]

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	mutex    sync.Mutex
}

// NewConfigWatcher creates a watcher for the given configuration file.
// onChange runs for the initial load and for every valid revision after it.
func NewConfigWatcher(configPath string, options ConfigWatcherOptions, onChange func(RuntimeConfig), logger Logger) *ConfigWatcher {
	options.applyDefaults()
	if logger == nil {
		logger = DefaultLogger()
	}

	cw := &ConfigWatcher{
		configPath: configPath,
		onChange:   onChange,
		logger:     logger,
		options:    options,
	}

	cw.watcher = argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      5,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			if options.ErrorHandler != nil {
				options.ErrorHandler(err, path)
				return
			}
			logger.Error("Configuration file watching error", "error", err, "file", path)
		},
	})

	return cw
}

// Start loads the initial configuration, delivers it to the callback, and
// begins watching the file. It cannot be called after Stop.
func (cw *ConfigWatcher) Start() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher has been permanently stopped and cannot be restarted", nil)
	}

	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	if !cw.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	initial, err := LoadRuntimeConfig(cw.configPath)
	if err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to load initial configuration", err)
	}
	cw.current.Store(&initial)
	cw.onChange(initial)

	if err := cw.watcher.Watch(cw.configPath, cw.handleChange); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to watch configuration file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}

	cw.logger.Info("Configuration watcher started",
		"config_path", cw.configPath,
		"poll_interval", cw.options.PollInterval)
	return nil
}

// Stop permanently stops the watcher.
func (cw *ConfigWatcher) Stop() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher is already stopped", nil)
	}

	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mutex.Lock()
		defer cw.mutex.Unlock()

		if !cw.enabled.CompareAndSwap(true, false) {
			stopErr = NewConfigWatcherError("config watcher is not running", nil)
			return
		}
		cw.stopped.Store(true)

		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped")
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (cw *ConfigWatcher) IsRunning() bool {
	return cw.enabled.Load() && !cw.stopped.Load()
}

// Current returns the last successfully loaded configuration, or nil before
// the first load.
func (cw *ConfigWatcher) Current() *RuntimeConfig {
	return cw.current.Load()
}

// handleChange processes file change events from Argus. Invalid revisions
// are logged and discarded; the previous configuration stays in effect.
func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current configuration",
			"path", event.Path)
		return
	}

	config, err := LoadRuntimeConfig(event.Path)
	if err != nil {
		cw.logger.Error("Failed to reload configuration, keeping current configuration",
			"error", err, "path", event.Path)
		return
	}

	cw.current.Store(&config)
	cw.logger.Info("Configuration reloaded",
		"path", event.Path,
		"active_extensions", len(config.Extensions.Active),
		"workers", config.Workers.Count)
	cw.onChange(config)
}
