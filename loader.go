// loader.go: Hot-reloading extension loader with content-hash module cache
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// LoaderConfig configures the extension loader.
type LoaderConfig struct {
	// ExtensionsDir is the root directory containing one folder per
	// plugin slug.
	ExtensionsDir string `json:"extensions_dir" yaml:"extensions_dir"`

	// ThemesDir is the root directory containing one folder per theme
	// slug. Defaults to ExtensionsDir when empty.
	ThemesDir string `json:"themes_dir" yaml:"themes_dir"`

	// DependencyDirs are directory names excluded from content hashing
	// anywhere in an extension's tree.
	DependencyDirs []string `json:"dependency_dirs" yaml:"dependency_dirs"`

	// Factories maps engine names to module factories. When nil, the
	// built-in Lua engine is wired under EngineLua.
	Factories map[string]ExtensionFactory `json:"-" yaml:"-"`

	// Logger receives loader diagnostics.
	Logger Logger `json:"-" yaml:"-"`
}

// applyDefaults fills unset config fields.
func (c *LoaderConfig) applyDefaults() {
	if c.ThemesDir == "" {
		c.ThemesDir = c.ExtensionsDir
	}
	if c.DependencyDirs == nil {
		c.DependencyDirs = []string{"vendor", "node_modules", ".git"}
	}
	if c.Factories == nil {
		c.Factories = map[string]ExtensionFactory{
			EngineLua: NewLuaExtensionFactory(),
		}
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
}

// moduleCacheEntry is one cached extension module keyed by slug.
type moduleCacheEntry struct {
	slug        string
	dir         string
	ext         Extension
	contentHash string
	manifest    ExtensionManifest
	loadedAt    time.Time
}

// LoaderStats counts loader activity for the hot-reload tests and for
// observability.
type LoaderStats struct {
	Imports        int64 `json:"imports"`
	CacheHits      int64 `json:"cache_hits"`
	Invalidations  int64 `json:"invalidations"`
	Registrations  int64 `json:"registrations"`
	LifecycleCalls int64 `json:"lifecycle_calls"`
}

// ExtensionLoader hot-reloads plugin and theme modules by content hash.
//
// The loader runs once per request: the hook engine and definition
// registry its extensions register against are request-scoped, so every
// invocation re-calls each module's registration entry point. The module
// cache exists purely to avoid repeated disk loading, not to avoid
// repeated registration. A cached entry is reused while the active list is
// unchanged and the recursive content hash of the extension's folder
// (dependency subfolders excluded) is unchanged; an active-list change
// invalidates the whole cache, a hash change invalidates that one slug.
//
// The loader has process lifetime and is injected into request handling;
// its caches are explicit fields rather than package globals.
type ExtensionLoader struct {
	config LoaderConfig
	logger Logger

	cache cmap.ConcurrentMap[string, *moduleCacheEntry]

	// mu guards lastActive and the activation transition.
	mu         sync.Mutex
	lastActive []string
	activated  bool

	executor atomic.Bool

	imports        atomic.Int64
	cacheHits      atomic.Int64
	invalidations  atomic.Int64
	registrations  atomic.Int64
	lifecycleCalls atomic.Int64
}

// NewExtensionLoader creates a loader with the given configuration.
func NewExtensionLoader(config LoaderConfig) *ExtensionLoader {
	config.applyDefaults()
	return &ExtensionLoader{
		config: config,
		logger: config.Logger,
		cache:  cmap.New[*moduleCacheEntry](),
	}
}

// SetExecutor marks this process as the elected executor. Only the
// executor fires one-time activation hooks; every other worker runs the
// same code path and skips them.
func (l *ExtensionLoader) SetExecutor(executor bool) {
	l.executor.Store(executor)
}

// LoadAll loads the active extension list (plugins in list order, then the
// active theme) and calls every module's registration entry point against
// the scope. Loading failures are isolated per slug and recorded in the
// report; they never abort the remaining slugs.
func (l *ExtensionLoader) LoadAll(ctx context.Context, snapshot ConfigSnapshot, scope *RequestScope) LoadReport {
	active := l.activeSlugs(snapshot)
	l.invalidateOnListChange(active)

	report := LoadReport{Loaded: make([]string, 0, len(active))}
	suppressed := scope.withSuppressedLogging()

	for _, slug := range active {
		entry, err := l.resolveModule(slug, snapshot)
		if err != nil {
			l.logger.Warn("Extension failed to load", "slug", slug, "error", err)
			report.Failed = append(report.Failed, LoadFailure{Slug: slug, Error: err})
			continue
		}

		l.registrations.Add(1)
		if err := l.safeRegister(ctx, entry.ext, suppressed); err != nil {
			l.logger.Warn("Extension registration failed", "slug", slug, "error", err)
			report.Failed = append(report.Failed, LoadFailure{Slug: slug, Error: NewExtensionRegisterError(slug, err)})
			continue
		}
		report.Loaded = append(report.Loaded, slug)
	}

	l.maybeActivate(ctx, active, report)
	return report
}

// activeSlugs composes the ordered slug list from the snapshot: plugins in
// configured order, then the active theme.
func (l *ExtensionLoader) activeSlugs(snapshot ConfigSnapshot) []string {
	active := make([]string, 0, len(snapshot.ActiveExtensions)+1)
	active = append(active, snapshot.ActiveExtensions...)
	if snapshot.ActiveTheme != "" {
		active = append(active, snapshot.ActiveTheme)
	}
	return active
}

// invalidateOnListChange clears the whole module cache when the active
// list differs from the last-seen list.
func (l *ExtensionLoader) invalidateOnListChange(active []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slicesEqual(l.lastActive, active) {
		return
	}
	if l.lastActive != nil {
		l.cache.Clear()
		l.invalidations.Add(1)
		l.logger.Info("Active extension list changed, module cache invalidated",
			"previous", len(l.lastActive), "current", len(active))
	}
	l.lastActive = append([]string(nil), active...)
}

// resolveModule returns a cached module when the content hash is
// unchanged, otherwise (re)loads it from disk.
func (l *ExtensionLoader) resolveModule(slug string, snapshot ConfigSnapshot) (*moduleCacheEntry, error) {
	dir := l.moduleDir(slug, snapshot)
	hash, err := DirectoryContentHash(dir, l.config.DependencyDirs)
	if err != nil {
		return nil, err
	}

	if entry, ok := l.cache.Get(slug); ok && entry.contentHash == hash {
		l.cacheHits.Add(1)
		return entry, nil
	}

	manifest, err := ReadExtensionManifest(dir)
	if err != nil {
		return nil, NewExtensionManifestError(slug, err)
	}
	factory, ok := l.config.Factories[manifest.Engine]
	if !ok {
		return nil, NewExtensionEngineError(slug, manifest.Engine)
	}

	ext, err := l.safeOpen(factory, dir, manifest)
	if err != nil {
		return nil, NewExtensionLoadError(slug, err)
	}

	entry := &moduleCacheEntry{
		slug:        slug,
		dir:         dir,
		ext:         ext,
		contentHash: hash,
		manifest:    manifest,
		loadedAt:    timecache.CachedTime(),
	}
	l.cache.Set(slug, entry)
	l.imports.Add(1)
	l.logger.Info("Extension module loaded", "slug", slug, "engine", manifest.Engine, "hash", hash[:12])
	return entry, nil
}

// moduleDir resolves the on-disk directory for a slug. The active theme
// resolves under ThemesDir, plugins under ExtensionsDir.
func (l *ExtensionLoader) moduleDir(slug string, snapshot ConfigSnapshot) string {
	if slug == snapshot.ActiveTheme && slug != "" {
		return filepath.Join(l.config.ThemesDir, slug)
	}
	return filepath.Join(l.config.ExtensionsDir, slug)
}

// maybeActivate fires the one-time activation hooks after the first fully
// successful load of the active list, on the executor only. Hook failures
// are logged as warnings and never prevent startup from completing.
func (l *ExtensionLoader) maybeActivate(ctx context.Context, active []string, report LoadReport) {
	if len(report.Failed) > 0 || !l.executor.Load() {
		return
	}
	l.mu.Lock()
	if l.activated {
		l.mu.Unlock()
		return
	}
	l.activated = true
	l.mu.Unlock()

	for _, slug := range active {
		entry, ok := l.cache.Get(slug)
		if !ok {
			continue
		}
		activator, ok := entry.ext.(Activator)
		if !ok {
			continue
		}
		l.lifecycleCalls.Add(1)
		if err := l.safeLifecycle(ctx, activator.OnActivate); err != nil {
			l.logger.Warn("Activation hook failed",
				"slug", slug, "error", NewLifecycleHookError(slug, "onActivate", err))
		}
	}
}

// Deactivate runs the deactivation hooks for every cached module that
// implements Deactivator, in active-list order. Like activation, failures
// are warnings.
func (l *ExtensionLoader) Deactivate(ctx context.Context) {
	l.mu.Lock()
	active := append([]string(nil), l.lastActive...)
	l.mu.Unlock()

	for _, slug := range active {
		entry, ok := l.cache.Get(slug)
		if !ok {
			continue
		}
		deactivator, ok := entry.ext.(Deactivator)
		if !ok {
			continue
		}
		l.lifecycleCalls.Add(1)
		if err := l.safeLifecycle(ctx, deactivator.OnDeactivate); err != nil {
			l.logger.Warn("Deactivation hook failed",
				"slug", slug, "error", NewLifecycleHookError(slug, "onDeactivate", err))
		}
	}
}

// Invalidate drops a single slug from the module cache, forcing a reload
// on the next invocation.
func (l *ExtensionLoader) Invalidate(slug string) {
	l.cache.Remove(slug)
	l.invalidations.Add(1)
}

// Stats returns loader activity counters.
func (l *ExtensionLoader) Stats() LoaderStats {
	return LoaderStats{
		Imports:        l.imports.Load(),
		CacheHits:      l.cacheHits.Load(),
		Invalidations:  l.invalidations.Load(),
		Registrations:  l.registrations.Load(),
		LifecycleCalls: l.lifecycleCalls.Load(),
	}
}

// safeOpen isolates factory panics: extension code is user supplied.
func (l *ExtensionLoader) safeOpen(factory ExtensionFactory, dir string, manifest ExtensionManifest) (ext Extension, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	return factory.Open(dir, manifest)
}

// safeRegister isolates registration panics the same way.
func (l *ExtensionLoader) safeRegister(ctx context.Context, ext Extension, scope *RequestScope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registration panic: %v", r)
		}
	}()
	return ext.Register(ctx, scope)
}

// safeLifecycle isolates lifecycle hook panics.
func (l *ExtensionLoader) safeLifecycle(ctx context.Context, hook func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lifecycle panic: %v", r)
		}
	}()
	return hook(ctx)
}

// slicesEqual compares two string slices element-wise.
func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
