// host.go: Process-lifetime runtime and per-request extension scope
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"sync/atomic"
)

// RequestScope is the hooks surface offered to every extension's
// registration entry point for one request: a fresh hook engine, a fresh
// definition registry, and the admin-menu registrar. The scope is
// destroyed when the request completes; nothing an extension registers
// here outlives the request.
type RequestScope struct {
	Hooks       *HookEngine
	Definitions *DefinitionRegistry
	Menus       MenuRegistrar
	Logger      Logger
}

// withSuppressedLogging returns a shallow copy whose logger discards
// output. The loader hands this copy to registration entry points so the
// per-request re-invocation does not duplicate extension log lines.
func (s *RequestScope) withSuppressedLogging() *RequestScope {
	copied := *s
	copied.Logger = NewNoOpLogger()
	return &copied
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Loader configures the extension loader owned by the runtime.
	Loader LoaderConfig

	// Store is the persistence collaborator for definition hydration.
	// Optional; without it the catalog hydrates empty.
	Store DefinitionStore

	// Guard is the authorization collaborator. Defaults to AllowAllGuard.
	Guard AuthorizationGuard

	// Menus receives admin navigation entries. Defaults to a no-op.
	Menus MenuRegistrar

	// Translate labels definitions and menu entries. Defaults to the
	// identity function.
	Translate TranslateFunc

	// Locale passed to Translate.
	Locale string

	// Snapshot is the initial configuration snapshot.
	Snapshot ConfigSnapshot

	// Logger receives runtime diagnostics.
	Logger Logger
}

// Runtime owns the process-lifetime pieces of the extensibility core: the
// definition catalog, the extension loader, and the current configuration
// snapshot. Request handling is given a Runtime rather than reading any
// ambient global state.
//
// The snapshot is a read-only value between reinitialize broadcasts;
// ReplaceSnapshot swaps the whole value atomically and never edits it in
// place, so a request observes either the old configuration or the new
// one, never a mix.
type Runtime struct {
	catalog   *DefinitionCatalog
	loader    *ExtensionLoader
	guard     AuthorizationGuard
	menus     MenuRegistrar
	translate TranslateFunc
	locale    string
	logger    Logger

	snapshot atomic.Pointer[ConfigSnapshot]
}

// NewRuntime creates a runtime from options.
func NewRuntime(opts RuntimeOptions) *Runtime {
	if opts.Guard == nil {
		opts.Guard = AllowAllGuard{}
	}
	if opts.Menus == nil {
		opts.Menus = NoOpMenuRegistrar{}
	}
	if opts.Translate == nil {
		opts.Translate = IdentityTranslate
	}
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if opts.Loader.Logger == nil {
		opts.Loader.Logger = opts.Logger
	}

	rt := &Runtime{
		catalog:   NewDefinitionCatalog(opts.Store, opts.Guard, opts.Logger),
		loader:    NewExtensionLoader(opts.Loader),
		guard:     opts.Guard,
		menus:     opts.Menus,
		translate: opts.Translate,
		locale:    opts.Locale,
		logger:    opts.Logger,
	}
	snapshot := opts.Snapshot
	rt.snapshot.Store(&snapshot)
	return rt
}

// Initialize hydrates the definition catalog. It must run before the first
// request and is idempotent.
func (rt *Runtime) Initialize(ctx context.Context) error {
	return rt.catalog.Load(ctx)
}

// SetExecutor marks this worker as the elected executor, enabling
// executor-only branches (one-time activation, forced refresh).
func (rt *Runtime) SetExecutor(executor bool) {
	rt.loader.SetExecutor(executor)
}

// ForceRefresh re-hydrates the definition catalog bypassing the loaded
// flag. The executor worker runs this on its initial scheduler pass; other
// workers rely on the cached hydration.
func (rt *Runtime) ForceRefresh(ctx context.Context) error {
	return rt.catalog.Reload(ctx)
}

// Snapshot returns the current configuration snapshot value.
func (rt *Runtime) Snapshot() ConfigSnapshot {
	return *rt.snapshot.Load()
}

// ReplaceSnapshot swaps the configuration snapshot wholesale. Mutation
// never happens by partial edits.
func (rt *Runtime) ReplaceSnapshot(snapshot ConfigSnapshot) {
	rt.snapshot.Store(&snapshot)
	rt.logger.Info("Configuration snapshot replaced",
		"active_extensions", len(snapshot.ActiveExtensions),
		"active_theme", snapshot.ActiveTheme)
}

// Loader exposes the extension loader for stats and cache control.
func (rt *Runtime) Loader() *ExtensionLoader {
	return rt.loader
}

// Catalog exposes the definition catalog.
func (rt *Runtime) Catalog() *DefinitionCatalog {
	return rt.catalog
}

// BeginRequest builds a fresh request scope — new hook engine, new
// definition registry seeded from the catalog — and runs the extension
// loader against it. The returned report lists which extensions loaded
// and which failed; a failed extension degrades functionality for the
// request but never aborts it.
func (rt *Runtime) BeginRequest(ctx context.Context) (*RequestScope, LoadReport) {
	hooks := NewHookEngine()
	registry := NewDefinitionRegistry(RegistryOptions{
		Catalog:   rt.catalog,
		Guard:     rt.guard,
		Hooks:     hooks,
		Menus:     rt.menus,
		Translate: rt.translate,
		Locale:    rt.locale,
		Logger:    rt.logger,
	})
	scope := &RequestScope{
		Hooks:       hooks,
		Definitions: registry,
		Menus:       rt.menus,
		Logger:      rt.logger,
	}
	report := rt.loader.LoadAll(ctx, rt.Snapshot(), scope)
	return scope, report
}
