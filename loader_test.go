// loader_test.go: Tests for the hot-reloading extension loader
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingExtension records registration and lifecycle calls.
type countingExtension struct {
	slug        string
	registered  int
	activated   int
	deactivated int
	failWith    error
}

func (e *countingExtension) Info() ExtensionInfo {
	return ExtensionInfo{Slug: e.slug}
}

func (e *countingExtension) Register(context.Context, *RequestScope) error {
	e.registered++
	return e.failWith
}

func (e *countingExtension) OnActivate(context.Context) error {
	e.activated++
	return nil
}

func (e *countingExtension) OnDeactivate(context.Context) error {
	e.deactivated++
	return nil
}

// writeGoExtension lays out an extension directory backed by the Go
// engine and registers its builder.
func writeGoExtension(t *testing.T, root string, factory *GoExtensionFactory, ext *countingExtension) {
	t.Helper()
	dir := filepath.Join(root, ext.slug)
	writeFile(t, filepath.Join(dir, ManifestFileName),
		fmt.Sprintf("slug: %s\nversion: 1.0.0\nengine: go\n", ext.slug))
	factory.RegisterBuilder(ext.slug, func() (Extension, error) {
		return ext, nil
	})
}

func newTestScope() *RequestScope {
	return &RequestScope{
		Hooks:       NewHookEngine(),
		Definitions: newTestRegistry(RegistryOptions{}),
		Menus:       NoOpMenuRegistrar{},
		Logger:      NewTestLogger(),
	}
}

func newTestLoader(t *testing.T, root string, factory *GoExtensionFactory) *ExtensionLoader {
	t.Helper()
	return NewExtensionLoader(LoaderConfig{
		ExtensionsDir: root,
		Factories:     map[string]ExtensionFactory{EngineGo: factory},
		Logger:        NewTestLogger(),
	})
}

// TestExtensionLoader_LoadOrder verifies plugins load in configured order
// with the theme last.
func TestExtensionLoader_LoadOrder(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	for _, slug := range []string{"seo", "shop", "darkwind"} {
		writeGoExtension(t, root, factory, &countingExtension{slug: slug})
	}
	loader := newTestLoader(t, root, factory)

	snapshot := ConfigSnapshot{
		ActiveExtensions: []string{"seo", "shop"},
		ActiveTheme:      "darkwind",
	}
	report := loader.LoadAll(context.Background(), snapshot, newTestScope())

	require.Empty(t, report.Failed)
	assert.Equal(t, []string{"seo", "shop", "darkwind"}, report.Loaded)
}

// TestExtensionLoader_FailureIsolation verifies one broken extension never
// takes down the others.
func TestExtensionLoader_FailureIsolation(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	healthy := &countingExtension{slug: "healthy"}
	broken := &countingExtension{slug: "broken", failWith: fmt.Errorf("bad init")}
	trailing := &countingExtension{slug: "trailing"}
	writeGoExtension(t, root, factory, healthy)
	writeGoExtension(t, root, factory, broken)
	writeGoExtension(t, root, factory, trailing)
	loader := newTestLoader(t, root, factory)

	snapshot := ConfigSnapshot{ActiveExtensions: []string{"healthy", "broken", "trailing"}}
	report := loader.LoadAll(context.Background(), snapshot, newTestScope())

	assert.Equal(t, []string{"healthy", "trailing"}, report.Loaded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken", report.Failed[0].Slug)
	assert.Equal(t, 1, trailing.registered, "extensions after the failure must still register")
}

// TestExtensionLoader_MissingDirectoryFails verifies an active slug with no
// directory reports a load failure.
func TestExtensionLoader_MissingDirectoryFails(t *testing.T) {
	loader := newTestLoader(t, t.TempDir(), NewGoExtensionFactory())

	report := loader.LoadAll(context.Background(),
		ConfigSnapshot{ActiveExtensions: []string{"ghost"}}, newTestScope())

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "ghost", report.Failed[0].Slug)
}

// TestExtensionLoader_CacheHitStillRegisters verifies cached modules skip
// the disk load but re-run registration on every invocation.
func TestExtensionLoader_CacheHitStillRegisters(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	ext := &countingExtension{slug: "seo"}
	writeGoExtension(t, root, factory, ext)
	loader := newTestLoader(t, root, factory)

	snapshot := ConfigSnapshot{ActiveExtensions: []string{"seo"}}
	ctx := context.Background()

	loader.LoadAll(ctx, snapshot, newTestScope())
	loader.LoadAll(ctx, snapshot, newTestScope())
	loader.LoadAll(ctx, snapshot, newTestScope())

	stats := loader.Stats()
	assert.Equal(t, int64(1), stats.Imports, "module should be read from disk once")
	assert.Equal(t, int64(2), stats.CacheHits)
	assert.Equal(t, 3, ext.registered, "registration must run per invocation")
}

// TestExtensionLoader_ContentChangeReloads verifies a touched file forces
// a reload of that slug only.
func TestExtensionLoader_ContentChangeReloads(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	seo := &countingExtension{slug: "seo"}
	shop := &countingExtension{slug: "shop"}
	writeGoExtension(t, root, factory, seo)
	writeGoExtension(t, root, factory, shop)
	loader := newTestLoader(t, root, factory)

	snapshot := ConfigSnapshot{ActiveExtensions: []string{"seo", "shop"}}
	ctx := context.Background()

	loader.LoadAll(ctx, snapshot, newTestScope())

	manifest := filepath.Join(root, "seo", ManifestFileName)
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(manifest, later, later))

	loader.LoadAll(ctx, snapshot, newTestScope())

	stats := loader.Stats()
	assert.Equal(t, int64(3), stats.Imports, "seo reloads, shop stays cached")
	assert.Equal(t, int64(1), stats.CacheHits)
}

// TestExtensionLoader_ListChangeClearsCache verifies an active-list change
// invalidates every cached module.
func TestExtensionLoader_ListChangeClearsCache(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	seo := &countingExtension{slug: "seo"}
	shop := &countingExtension{slug: "shop"}
	writeGoExtension(t, root, factory, seo)
	writeGoExtension(t, root, factory, shop)
	loader := newTestLoader(t, root, factory)
	ctx := context.Background()

	loader.LoadAll(ctx, ConfigSnapshot{ActiveExtensions: []string{"seo", "shop"}}, newTestScope())
	loader.LoadAll(ctx, ConfigSnapshot{ActiveExtensions: []string{"seo"}}, newTestScope())

	stats := loader.Stats()
	assert.Equal(t, int64(1), stats.Invalidations)
	assert.Equal(t, int64(3), stats.Imports, "surviving slug reloads after the list change")
	assert.Equal(t, int64(0), stats.CacheHits)
}

// TestExtensionLoader_InvalidateSingleSlug verifies targeted invalidation.
func TestExtensionLoader_InvalidateSingleSlug(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	ext := &countingExtension{slug: "seo"}
	writeGoExtension(t, root, factory, ext)
	loader := newTestLoader(t, root, factory)
	ctx := context.Background()
	snapshot := ConfigSnapshot{ActiveExtensions: []string{"seo"}}

	loader.LoadAll(ctx, snapshot, newTestScope())
	loader.Invalidate("seo")
	loader.LoadAll(ctx, snapshot, newTestScope())

	assert.Equal(t, int64(2), loader.Stats().Imports)
}

// TestExtensionLoader_ActivationOnlyOnExecutor verifies one-time hooks run
// on the executor once and never elsewhere.
func TestExtensionLoader_ActivationOnlyOnExecutor(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	ext := &countingExtension{slug: "seo"}
	writeGoExtension(t, root, factory, ext)
	ctx := context.Background()
	snapshot := ConfigSnapshot{ActiveExtensions: []string{"seo"}}

	// Non-executor: no activation, however many loads happen.
	follower := newTestLoader(t, root, factory)
	follower.LoadAll(ctx, snapshot, newTestScope())
	follower.LoadAll(ctx, snapshot, newTestScope())
	assert.Equal(t, 0, ext.activated)

	// Executor: exactly one activation across repeated loads.
	executor := newTestLoader(t, root, factory)
	executor.SetExecutor(true)
	executor.LoadAll(ctx, snapshot, newTestScope())
	executor.LoadAll(ctx, snapshot, newTestScope())
	assert.Equal(t, 1, ext.activated)
}

// TestExtensionLoader_ActivationWaitsForCleanLoad verifies activation is
// deferred while any extension is failing.
func TestExtensionLoader_ActivationWaitsForCleanLoad(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	good := &countingExtension{slug: "good"}
	flaky := &countingExtension{slug: "flaky", failWith: fmt.Errorf("not ready")}
	writeGoExtension(t, root, factory, good)
	writeGoExtension(t, root, factory, flaky)
	loader := newTestLoader(t, root, factory)
	loader.SetExecutor(true)
	ctx := context.Background()
	snapshot := ConfigSnapshot{ActiveExtensions: []string{"good", "flaky"}}

	loader.LoadAll(ctx, snapshot, newTestScope())
	assert.Equal(t, 0, good.activated, "activation must wait for a fully clean load")

	flaky.failWith = nil
	loader.LoadAll(ctx, snapshot, newTestScope())
	assert.Equal(t, 1, good.activated)
	assert.Equal(t, 1, flaky.activated)
}

// TestExtensionLoader_Deactivate verifies deactivation hooks run for
// cached modules.
func TestExtensionLoader_Deactivate(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	ext := &countingExtension{slug: "seo"}
	writeGoExtension(t, root, factory, ext)
	loader := newTestLoader(t, root, factory)
	ctx := context.Background()

	loader.LoadAll(ctx, ConfigSnapshot{ActiveExtensions: []string{"seo"}}, newTestScope())
	loader.Deactivate(ctx)

	assert.Equal(t, 1, ext.deactivated)
}

// TestExtensionLoader_UnknownEngine verifies a manifest naming an engine
// with no factory fails that slug.
func TestExtensionLoader_UnknownEngine(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "exotic", ManifestFileName), "slug: exotic\nengine: wasm\n")
	loader := newTestLoader(t, root, NewGoExtensionFactory())

	report := loader.LoadAll(context.Background(),
		ConfigSnapshot{ActiveExtensions: []string{"exotic"}}, newTestScope())

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "exotic", report.Failed[0].Slug)
}

// TestExtensionLoader_ThemeFromThemesDir verifies the active theme
// resolves under the themes root.
func TestExtensionLoader_ThemeFromThemesDir(t *testing.T) {
	plugins := t.TempDir()
	themes := t.TempDir()
	factory := NewGoExtensionFactory()
	theme := &countingExtension{slug: "darkwind"}
	writeGoExtension(t, themes, factory, theme)

	loader := NewExtensionLoader(LoaderConfig{
		ExtensionsDir: plugins,
		ThemesDir:     themes,
		Factories:     map[string]ExtensionFactory{EngineGo: factory},
		Logger:        NewTestLogger(),
	})

	report := loader.LoadAll(context.Background(),
		ConfigSnapshot{ActiveTheme: "darkwind"}, newTestScope())

	require.Empty(t, report.Failed)
	assert.Equal(t, []string{"darkwind"}, report.Loaded)
	assert.Equal(t, 1, theme.registered)
}

// TestExtensionLoader_PanicIsolated verifies a panicking registration is
// reported as a failure, not a crash.
func TestExtensionLoader_PanicIsolated(t *testing.T) {
	root := t.TempDir()
	factory := NewGoExtensionFactory()
	dir := filepath.Join(root, "panicky")
	writeFile(t, filepath.Join(dir, ManifestFileName), "slug: panicky\nengine: go\n")
	factory.RegisterBuilder("panicky", func() (Extension, error) {
		return panickyExtension{}, nil
	})
	loader := newTestLoader(t, root, factory)

	report := loader.LoadAll(context.Background(),
		ConfigSnapshot{ActiveExtensions: []string{"panicky"}}, newTestScope())

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "panicky", report.Failed[0].Slug)
}

type panickyExtension struct{}

func (panickyExtension) Info() ExtensionInfo { return ExtensionInfo{Slug: "panicky"} }

func (panickyExtension) Register(context.Context, *RequestScope) error {
	panic("registration exploded")
}
