// extension.go: Extension module interfaces and manifests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the manifest every extension directory must carry.
const ManifestFileName = "extension.yaml"

// Extension is a loaded plugin or theme module.
//
// Register is the per-request registration entry point. It runs on every
// request — cache hit or miss — because the hook engine and definition
// registry handed to it through the scope are request-scoped and discarded
// when the request completes. Register must therefore be idempotent with
// respect to process state and confine its effects to the scope.
type Extension interface {
	// Info returns metadata about the extension
	Info() ExtensionInfo

	// Register wires the extension's hooks, definitions, and menu pages
	// into the request scope
	Register(ctx context.Context, scope *RequestScope) error
}

// One-time lifecycle hooks are optional: an extension implements whichever
// of the interfaces below apply to it, and the loader checks each with a
// type assertion before calling. A lifecycle hook failure is logged as a
// warning and never prevents startup from completing.

// Installer receives the one-time install hook.
type Installer interface {
	OnInstall(ctx context.Context) error
}

// Activator receives the one-time activation hook. It fires exactly once
// per process, only after the first fully successful load of the active
// list, and only on the elected executor worker.
type Activator interface {
	OnActivate(ctx context.Context) error
}

// Deactivator receives the deactivation hook.
type Deactivator interface {
	OnDeactivate(ctx context.Context) error
}

// Uninstaller receives the uninstall hook.
type Uninstaller interface {
	OnUninstall(ctx context.Context) error
}

// Upgrader receives the upgrade hook with the previous and new versions.
type Upgrader interface {
	OnUpgrade(ctx context.Context, fromVersion, toVersion string) error
}

// Downgrader receives the downgrade hook with the previous and new versions.
type Downgrader interface {
	OnDowngrade(ctx context.Context, fromVersion, toVersion string) error
}

// ExtensionManifest is the parsed extension.yaml describing a module on
// disk: its identity and which engine loads it.
type ExtensionManifest struct {
	Slug         string   `yaml:"slug" json:"slug"`
	Version      string   `yaml:"version" json:"version"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Engine       string   `yaml:"engine,omitempty" json:"engine,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// ReadExtensionManifest parses the manifest in an extension directory.
func ReadExtensionManifest(dir string) (ExtensionManifest, error) {
	var manifest ExtensionManifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName)) // #nosec G304 -- dir comes from the configured extensions root
	if err != nil {
		return manifest, err
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, err
	}
	if manifest.Slug == "" {
		manifest.Slug = filepath.Base(dir)
	}
	if manifest.Engine == "" {
		manifest.Engine = EngineLua
	}
	return manifest, nil
}

// ExtensionFactory turns an on-disk extension directory into a loaded
// module. The loader keeps one factory per engine name.
type ExtensionFactory interface {
	// Open loads the module rooted at dir. It is called only on cache
	// misses; the returned Extension is cached by content hash and its
	// Register method is re-invoked per request.
	Open(dir string, manifest ExtensionManifest) (Extension, error)
}

// Engine names with built-in factories.
const (
	// EngineLua loads extension.lua through the embedded Lua engine.
	EngineLua = "lua"

	// EngineGo resolves statically linked Go extensions by slug.
	EngineGo = "go"
)

// GoExtensionFactory resolves extensions compiled into the host binary.
//
// Native Go code cannot be hot-reloaded; a content-hash change for a Go
// extension re-runs the builder, which matters only when the builder
// captures mutable state. The factory exists so deployments can mix
// scripted and compiled extensions behind one loader.
type GoExtensionFactory struct {
	mu       sync.RWMutex
	builders map[string]func() (Extension, error)
}

// NewGoExtensionFactory creates an empty factory.
func NewGoExtensionFactory() *GoExtensionFactory {
	return &GoExtensionFactory{
		builders: make(map[string]func() (Extension, error)),
	}
}

// RegisterBuilder associates a builder with an extension slug. The last
// registration for a slug wins.
func (f *GoExtensionFactory) RegisterBuilder(slug string, builder func() (Extension, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[slug] = builder
}

// Open implements ExtensionFactory by slug lookup.
func (f *GoExtensionFactory) Open(_ string, manifest ExtensionManifest) (Extension, error) {
	f.mu.RLock()
	builder, ok := f.builders[manifest.Slug]
	f.mu.RUnlock()
	if !ok {
		return nil, NewExtensionLoadError(manifest.Slug, nil)
	}
	return builder()
}
