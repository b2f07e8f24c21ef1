// collaborators.go: External collaborator interfaces consumed by the runtime
//
// The persistence layer, authorization system, admin navigation, and
// translation storage are separate subsystems. The runtime consumes them
// through the narrow interfaces below and never reimplements them.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
)

// AuthorizationGuard resolves a set of required capabilities for the caller
// identified by ctx.
//
// Check returns the granted capabilities and true when the caller satisfies
// every required capability, or nil and false when the check fails. The
// definition registry consults the guard at load time, at registration
// time, and again on every read, so a definition's visibility always
// reflects the current caller rather than the caller at registration time.
type AuthorizationGuard interface {
	Check(ctx context.Context, required []string) (granted []string, ok bool)
}

// DefinitionStore is the read-only slice of the persistence layer the
// runtime needs for definition hydration. The runtime requires no write
// access.
type DefinitionStore interface {
	PostTypes(ctx context.Context) ([]PostTypeDefinition, error)
	Taxonomies(ctx context.Context) ([]TaxonomyDefinition, error)
	Fields(ctx context.Context) ([]FieldDefinition, error)
}

// MenuRegistrar receives admin navigation entries for user-visible
// definitions and for pages extensions add directly.
type MenuRegistrar interface {
	AddMenuPage(ctx context.Context, page MenuPage) error
	AddSubMenuPage(ctx context.Context, parentSlug string, page MenuPage) error
}

// TranslateFunc resolves a translation key in a locale. It is used only to
// label registered definitions and menu entries; the runtime's logic never
// depends on the returned string.
type TranslateFunc func(key, locale string) string

// IdentityTranslate returns the key unchanged. It is the default when no
// translation collaborator is wired.
func IdentityTranslate(key, _ string) string { return key }

// AllowAllGuard grants every capability check. It is the default guard for
// setups without an authorization collaborator, and convenient in tests.
type AllowAllGuard struct{}

// Check implements AuthorizationGuard by granting the full required set.
func (AllowAllGuard) Check(_ context.Context, required []string) ([]string, bool) {
	return required, true
}

// NoOpMenuRegistrar discards navigation entries. It is the default when no
// admin-menu collaborator is wired.
type NoOpMenuRegistrar struct{}

// AddMenuPage implements MenuRegistrar (no-op)
func (NoOpMenuRegistrar) AddMenuPage(context.Context, MenuPage) error { return nil }

// AddSubMenuPage implements MenuRegistrar (no-op)
func (NoOpMenuRegistrar) AddSubMenuPage(context.Context, string, MenuPage) error { return nil }
