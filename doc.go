// Package gocms provides the extensibility runtime for a content-management
// server: a hook/filter execution engine, a capability-gated definition
// registry for content-type schemas, an extension loader that hot-reloads
// plugin and theme code by content hash, and a multi-process coordinator
// that keeps registry state consistent across a worker pool.
//
// Key Features:
//   - Priority-ordered action and filter hooks with per-request scope
//   - Post-type, taxonomy, and field registries with a priority override rule
//   - Content-hash based hot reload of extension modules (Lua or native Go)
//   - Per-request re-registration against request-scoped hook engines
//   - Sticky-session worker routing with zero-downtime rolling replacement
//   - Consolidated per-worker acknowledgement reporting
//   - Single elected executor for one-time and scheduled side effects
//
// Basic Usage:
//
//	runtime := gocms.NewRuntime(gocms.RuntimeOptions{
//		Loader: gocms.LoaderConfig{ExtensionsDir: "/srv/cms/extensions"},
//		Guard:  guard,
//	})
//	if err := runtime.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	// Once per request: fresh hooks + definitions, re-registered extensions.
//	scope, report := runtime.BeginRequest(ctx)
//
// Cross-worker consistency is message based: option and schema changes are
// broadcast from the primary process to every worker, each of which reloads
// independently and acknowledges back. There is no shared memory between
// workers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package gocms
