// types.go: Common data types for the CMS extensibility runtime
//
// This file contains the shared data models used across the hook engine,
// definition registry, extension loader, and process coordinator. Keeping
// them apart from the component implementations mirrors the rest of the
// library's file-per-concern layout.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"time"
)

// DefinitionKind identifies the schema family a definition belongs to.
type DefinitionKind int

const (
	KindPostType DefinitionKind = iota
	KindTaxonomy
	KindField
)

// String returns a human-readable representation of the definition kind.
func (k DefinitionKind) String() string {
	switch k {
	case KindPostType:
		return "postType"
	case KindTaxonomy:
		return "taxonomy"
	case KindField:
		return "field"
	default:
		return "unknown"
	}
}

// DefinitionSource records where a definition entry originated.
//
//   - SourcePersisted: hydrated from the persistence layer, once per process
//   - SourceRuntime: registered by an extension, potentially on every request
type DefinitionSource int

const (
	SourcePersisted DefinitionSource = iota
	SourceRuntime
)

// String returns a human-readable representation of the definition source.
func (s DefinitionSource) String() string {
	switch s {
	case SourcePersisted:
		return "persisted"
	case SourceRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// PostTypeDefinition describes a registrable content type.
//
// Name is a translation key resolved through the runtime's TranslateFunc
// when the definition is surfaced in the admin navigation. Capabilities is
// the set the authorization guard must grant for the definition to be
// loaded, registered, or read.
type PostTypeDefinition struct {
	Slug         string         `json:"slug" yaml:"slug"`
	Name         string         `json:"name" yaml:"name"`
	Visible      bool           `json:"visible" yaml:"visible"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Schema       map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	MenuIcon     string         `json:"menu_icon,omitempty" yaml:"menu_icon,omitempty"`
}

// TaxonomyDefinition describes a taxonomy attached to a parent post type.
type TaxonomyDefinition struct {
	Slug         string         `json:"slug" yaml:"slug"`
	PostType     string         `json:"post_type" yaml:"post_type"`
	Name         string         `json:"name" yaml:"name"`
	Visible      bool           `json:"visible" yaml:"visible"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Schema       map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// FieldDefinition describes a custom field attached to a parent post type.
type FieldDefinition struct {
	Slug         string         `json:"slug" yaml:"slug"`
	PostType     string         `json:"post_type" yaml:"post_type"`
	Name         string         `json:"name" yaml:"name"`
	Type         string         `json:"type,omitempty" yaml:"type,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Schema       map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// MenuPage describes an admin navigation entry contributed by a definition
// or directly by an extension. Capabilities gate its visibility the same
// way they gate the definition that produced it.
type MenuPage struct {
	Slug         string   `json:"slug"`
	Title        string   `json:"title"`
	Icon         string   `json:"icon,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// WorkerState represents a pool worker's position in its lifecycle.
//
// The normal progression is starting -> listening -> draining -> stopped.
// A crash moves the worker to WorkerCrashed, from which the coordinator
// reforks it into WorkerStarting after a bounded backoff delay.
type WorkerState int

const (
	WorkerStarting WorkerState = iota
	WorkerListening
	WorkerDraining
	WorkerStopped
	WorkerCrashed
)

// String returns a human-readable representation of the worker state.
func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerListening:
		return "listening"
	case WorkerDraining:
		return "draining"
	case WorkerStopped:
		return "stopped"
	case WorkerCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// WorkerAck is one worker's acknowledgement of a broadcast operation,
// collected by the consolidated reporter.
type WorkerAck struct {
	WorkerID int       `json:"worker_id"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// ExtensionInfo contains metadata about a loaded extension module.
type ExtensionInfo struct {
	Slug         string   `json:"slug"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// LoadFailure records one extension that failed to load or register during
// a loader invocation. Failures are isolated per slug; the remaining
// extensions continue loading.
type LoadFailure struct {
	Slug  string `json:"slug"`
	Error error  `json:"error"`
}

// LoadReport summarizes a single loader invocation across the active
// extension list.
type LoadReport struct {
	Loaded []string      `json:"loaded"`
	Failed []LoadFailure `json:"failed"`
}

// FailedSlugs returns the slugs of the failed extensions, in order.
func (r LoadReport) FailedSlugs() []string {
	slugs := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		slugs = append(slugs, f.Slug)
	}
	return slugs
}
