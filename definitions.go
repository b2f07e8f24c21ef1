// definitions.go: Capability-gated registry for post types, taxonomies, and fields
//
// Two objects share this file. DefinitionCatalog has process lifetime: it
// hydrates persisted definitions from the store exactly once and hands out
// snapshots. DefinitionRegistry has request lifetime: it is rebuilt for
// every request, seeded from the catalog, and accepts runtime registrations
// from extensions under the priority override rule.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"sync"
)

// DefaultDefinitionPriority is assigned to persisted entries and to runtime
// registrations that pass no explicit priority.
const DefaultDefinitionPriority = 10

// definitionEntry is the stored form of a registered definition. At most
// one entry exists per key; a new registration replaces it only when its
// priority is greater than or equal to the stored priority.
type definitionEntry struct {
	kind         DefinitionKind
	key          string
	data         any
	priority     int
	source       DefinitionSource
	capabilities []string
}

// DefinitionCatalog owns the persisted definition set for the process.
//
// Load is idempotent: the first call reads every persisted post-type,
// taxonomy, and field row, resolves each row's required capabilities
// through the authorization guard, and drops rows whose check fails
// entirely. Subsequent calls return immediately. Reload bypasses the
// loaded flag for the executor-forced refresh and the reinitialize_store
// broadcast.
type DefinitionCatalog struct {
	store  DefinitionStore
	guard  AuthorizationGuard
	logger Logger

	mu         sync.RWMutex
	loaded     bool
	postTypes  []PostTypeDefinition
	taxonomies []TaxonomyDefinition
	fields     []FieldDefinition
}

// NewDefinitionCatalog creates a catalog over the given persistence slice.
func NewDefinitionCatalog(store DefinitionStore, guard AuthorizationGuard, logger any) *DefinitionCatalog {
	if guard == nil {
		guard = AllowAllGuard{}
	}
	return &DefinitionCatalog{
		store:  store,
		guard:  guard,
		logger: NewLogger(logger),
	}
}

// Load hydrates the catalog from the store. It runs the hydration at most
// once per process; later calls are no-ops.
func (c *DefinitionCatalog) Load(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Reload(ctx)
}

// Reload forces a fresh hydration regardless of the loaded flag.
func (c *DefinitionCatalog) Reload(ctx context.Context) error {
	if c.store == nil {
		c.mu.Lock()
		c.loaded = true
		c.mu.Unlock()
		return nil
	}

	postTypes, err := c.store.PostTypes(ctx)
	if err != nil {
		return NewDefinitionStoreError("reading post types", err)
	}
	taxonomies, err := c.store.Taxonomies(ctx)
	if err != nil {
		return NewDefinitionStoreError("reading taxonomies", err)
	}
	fields, err := c.store.Fields(ctx)
	if err != nil {
		return NewDefinitionStoreError("reading fields", err)
	}

	keptPostTypes := postTypes[:0:0]
	for _, pt := range postTypes {
		if _, ok := c.guard.Check(ctx, pt.Capabilities); !ok {
			c.logger.Debug("Dropping persisted post type on capability check", "slug", pt.Slug)
			continue
		}
		keptPostTypes = append(keptPostTypes, pt)
	}
	keptTaxonomies := taxonomies[:0:0]
	for _, tx := range taxonomies {
		if _, ok := c.guard.Check(ctx, tx.Capabilities); !ok {
			c.logger.Debug("Dropping persisted taxonomy on capability check", "slug", tx.Slug)
			continue
		}
		keptTaxonomies = append(keptTaxonomies, tx)
	}
	keptFields := fields[:0:0]
	for _, f := range fields {
		if _, ok := c.guard.Check(ctx, f.Capabilities); !ok {
			c.logger.Debug("Dropping persisted field on capability check", "slug", f.Slug)
			continue
		}
		keptFields = append(keptFields, f)
	}

	c.mu.Lock()
	c.postTypes = keptPostTypes
	c.taxonomies = keptTaxonomies
	c.fields = keptFields
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info("Definition catalog hydrated",
		"post_types", len(keptPostTypes),
		"taxonomies", len(keptTaxonomies),
		"fields", len(keptFields))
	return nil
}

// Loaded reports whether hydration has completed.
func (c *DefinitionCatalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// snapshot returns copies of the persisted definition slices.
func (c *DefinitionCatalog) snapshot() ([]PostTypeDefinition, []TaxonomyDefinition, []FieldDefinition) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pts := make([]PostTypeDefinition, len(c.postTypes))
	copy(pts, c.postTypes)
	txs := make([]TaxonomyDefinition, len(c.taxonomies))
	copy(txs, c.taxonomies)
	fds := make([]FieldDefinition, len(c.fields))
	copy(fds, c.fields)
	return pts, txs, fds
}

// RegistryOptions configures a request-scoped DefinitionRegistry.
type RegistryOptions struct {
	Catalog   *DefinitionCatalog
	Guard     AuthorizationGuard
	Hooks     *HookEngine
	Menus     MenuRegistrar
	Translate TranslateFunc
	Locale    string
	Logger    Logger
}

// DefinitionRegistry holds the merged definition set for one request.
//
// Lookups are composite-key based: post types key on their slug, taxonomies
// and fields key on "parentSlug:slug". A secondary index from parent slug
// to keys, maintained incrementally at registration time, serves the
// "all entries for parent X" reads without scanning.
//
// Every read re-checks the capability gate for the current caller and
// passes the result through the corresponding filter hook. Absent and
// denied are indistinguishable to callers: both return nil.
type DefinitionRegistry struct {
	guard     AuthorizationGuard
	hooks     *HookEngine
	menus     MenuRegistrar
	translate TranslateFunc
	locale    string
	logger    Logger

	mu                 sync.RWMutex
	postTypes          map[string]*definitionEntry
	taxonomies         map[string]*definitionEntry
	fields             map[string]*definitionEntry
	taxonomiesByParent map[string][]string
	fieldsByParent     map[string][]string
}

// NewDefinitionRegistry builds a registry seeded with the catalog's
// persisted entries. Hydration does not fire registration hooks; only
// runtime registrations do.
func NewDefinitionRegistry(opts RegistryOptions) *DefinitionRegistry {
	if opts.Guard == nil {
		opts.Guard = AllowAllGuard{}
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHookEngine()
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

	r := &DefinitionRegistry{
		guard:              opts.Guard,
		hooks:              opts.Hooks,
		menus:              opts.Menus,
		translate:          opts.Translate,
		locale:             opts.Locale,
		logger:             opts.Logger,
		postTypes:          make(map[string]*definitionEntry),
		taxonomies:         make(map[string]*definitionEntry),
		fields:             make(map[string]*definitionEntry),
		taxonomiesByParent: make(map[string][]string),
		fieldsByParent:     make(map[string][]string),
	}

	if opts.Catalog != nil {
		pts, txs, fds := opts.Catalog.snapshot()
		for _, pt := range pts {
			r.seed(KindPostType, pt.Slug, "", pt, pt.Capabilities)
		}
		for _, tx := range txs {
			r.seed(KindTaxonomy, compositeKey(tx.PostType, tx.Slug), tx.PostType, tx, tx.Capabilities)
		}
		for _, f := range fds {
			r.seed(KindField, compositeKey(f.PostType, f.Slug), f.PostType, f, f.Capabilities)
		}
	}
	return r
}

// compositeKey joins a parent slug and an entry slug into a store key.
func compositeKey(parent, slug string) string {
	return parent + ":" + slug
}

// seed inserts a persisted entry without hooks or menu side effects.
func (r *DefinitionRegistry) seed(kind DefinitionKind, key, parent string, data any, caps []string) {
	entry := &definitionEntry{
		kind:         kind,
		key:          key,
		data:         data,
		priority:     DefaultDefinitionPriority,
		source:       SourcePersisted,
		capabilities: caps,
	}
	switch kind {
	case KindPostType:
		r.postTypes[key] = entry
	case KindTaxonomy:
		if _, exists := r.taxonomies[key]; !exists {
			r.taxonomiesByParent[parent] = append(r.taxonomiesByParent[parent], key)
		}
		r.taxonomies[key] = entry
	case KindField:
		if _, exists := r.fields[key]; !exists {
			r.fieldsByParent[parent] = append(r.fieldsByParent[parent], key)
		}
		r.fields[key] = entry
	}
}

// RegisterPostType registers or overrides a post type definition.
//
// The slug is required. The caller's capabilities are checked against the
// definition's required set; a failed check drops the registration
// silently, matching load-time behavior. The stored entry is replaced only
// when priority is greater than or equal to the stored priority; on a tie
// the last write wins. A successful registration fires the
// "postTypeRegistered" action and, for user-visible definitions, adds an
// admin menu entry gated by the same capabilities.
func (r *DefinitionRegistry) RegisterPostType(ctx context.Context, def PostTypeDefinition, priority int) error {
	if def.Slug == "" {
		return NewMissingDefinitionSlugError(KindPostType)
	}
	if _, ok := r.guard.Check(ctx, def.Capabilities); !ok {
		r.logger.Debug("Post type registration dropped on capability check", "slug", def.Slug)
		return nil
	}
	if !r.storeEntry(KindPostType, def.Slug, "", def, def.Capabilities, priority) {
		return nil
	}
	if err := r.hooks.DoAction(ctx, "postTypeRegistered", def); err != nil {
		return err
	}
	if def.Visible {
		page := MenuPage{
			Slug:         def.Slug,
			Title:        r.translate(def.Name, r.locale),
			Icon:         def.MenuIcon,
			Capabilities: def.Capabilities,
		}
		if err := r.menus.AddMenuPage(ctx, page); err != nil {
			r.logger.Warn("Failed to add menu page for post type", "slug", def.Slug, "error", err)
		}
	}
	return nil
}

// RegisterTaxonomy registers or overrides a taxonomy definition. The slug
// and parent post type slug are both required.
func (r *DefinitionRegistry) RegisterTaxonomy(ctx context.Context, def TaxonomyDefinition, priority int) error {
	if def.Slug == "" {
		return NewMissingDefinitionSlugError(KindTaxonomy)
	}
	if def.PostType == "" {
		return NewMissingParentSlugError(KindTaxonomy, def.Slug)
	}
	if _, ok := r.guard.Check(ctx, def.Capabilities); !ok {
		r.logger.Debug("Taxonomy registration dropped on capability check", "slug", def.Slug)
		return nil
	}
	key := compositeKey(def.PostType, def.Slug)
	if !r.storeEntry(KindTaxonomy, key, def.PostType, def, def.Capabilities, priority) {
		return nil
	}
	if err := r.hooks.DoAction(ctx, "taxonomyRegistered", def); err != nil {
		return err
	}
	if def.Visible {
		page := MenuPage{
			Slug:         def.Slug,
			Title:        r.translate(def.Name, r.locale),
			Capabilities: def.Capabilities,
		}
		if err := r.menus.AddSubMenuPage(ctx, def.PostType, page); err != nil {
			r.logger.Warn("Failed to add submenu page for taxonomy", "slug", def.Slug, "error", err)
		}
	}
	return nil
}

// RegisterField registers or overrides a custom field definition. The slug
// and parent post type slug are both required.
func (r *DefinitionRegistry) RegisterField(ctx context.Context, def FieldDefinition, priority int) error {
	if def.Slug == "" {
		return NewMissingDefinitionSlugError(KindField)
	}
	if def.PostType == "" {
		return NewMissingParentSlugError(KindField, def.Slug)
	}
	if _, ok := r.guard.Check(ctx, def.Capabilities); !ok {
		r.logger.Debug("Field registration dropped on capability check", "slug", def.Slug)
		return nil
	}
	key := compositeKey(def.PostType, def.Slug)
	if !r.storeEntry(KindField, key, def.PostType, def, def.Capabilities, priority) {
		return nil
	}
	return r.hooks.DoAction(ctx, "fieldRegistered", def)
}

// storeEntry applies the priority override rule. It returns false when the
// incoming registration was silently discarded for a strictly lower
// priority.
func (r *DefinitionRegistry) storeEntry(kind DefinitionKind, key, parent string, data any, caps []string, priority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var bucket map[string]*definitionEntry
	var index map[string][]string
	switch kind {
	case KindPostType:
		bucket = r.postTypes
	case KindTaxonomy:
		bucket, index = r.taxonomies, r.taxonomiesByParent
	case KindField:
		bucket, index = r.fields, r.fieldsByParent
	}

	if existing, ok := bucket[key]; ok {
		if priority < existing.priority {
			r.logger.Debug("Registration discarded by priority rule",
				"kind", kind.String(), "key", key,
				"priority", priority, "stored_priority", existing.priority)
			return false
		}
	} else if index != nil {
		index[parent] = append(index[parent], key)
	}

	bucket[key] = &definitionEntry{
		kind:         kind,
		key:          key,
		data:         data,
		priority:     priority,
		source:       SourceRuntime,
		capabilities: caps,
	}
	return true
}

// PostType returns the post type registered under slug after re-checking
// the caller's capabilities and applying the "getPostType" filter. It
// returns nil for both absent and denied definitions.
func (r *DefinitionRegistry) PostType(ctx context.Context, slug string) (*PostTypeDefinition, error) {
	r.mu.RLock()
	entry := r.postTypes[slug]
	r.mu.RUnlock()

	var value any
	if entry != nil {
		if _, ok := r.guard.Check(ctx, entry.capabilities); ok {
			def := entry.data.(PostTypeDefinition)
			value = &def
		}
	}
	filtered, err := r.hooks.ApplyFilters(ctx, "getPostType", value, slug)
	if err != nil {
		return nil, err
	}
	def, _ := filtered.(*PostTypeDefinition)
	return def, nil
}

// Taxonomy returns the taxonomy registered under the parent and slug pair,
// capability-gated and filtered through "getTaxonomy". Absent and denied
// both return nil.
func (r *DefinitionRegistry) Taxonomy(ctx context.Context, parentSlug, slug string) (*TaxonomyDefinition, error) {
	key := compositeKey(parentSlug, slug)
	r.mu.RLock()
	entry := r.taxonomies[key]
	r.mu.RUnlock()

	var value any
	if entry != nil {
		if _, ok := r.guard.Check(ctx, entry.capabilities); ok {
			def := entry.data.(TaxonomyDefinition)
			value = &def
		}
	}
	filtered, err := r.hooks.ApplyFilters(ctx, "getTaxonomy", value, parentSlug, slug)
	if err != nil {
		return nil, err
	}
	def, _ := filtered.(*TaxonomyDefinition)
	return def, nil
}

// Fields returns every field registered under the parent post type that
// the current caller may see, in registration order, filtered through
// "getFields". The read is served from the parent index rather than a
// full scan.
func (r *DefinitionRegistry) Fields(ctx context.Context, parentSlug string) ([]FieldDefinition, error) {
	r.mu.RLock()
	keys := make([]string, len(r.fieldsByParent[parentSlug]))
	copy(keys, r.fieldsByParent[parentSlug])
	entries := make([]*definitionEntry, 0, len(keys))
	for _, key := range keys {
		if entry := r.fields[key]; entry != nil {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()

	visible := make([]FieldDefinition, 0, len(entries))
	for _, entry := range entries {
		if _, ok := r.guard.Check(ctx, entry.capabilities); !ok {
			continue
		}
		visible = append(visible, entry.data.(FieldDefinition))
	}
	filtered, err := r.hooks.ApplyFilters(ctx, "getFields", visible, parentSlug)
	if err != nil {
		return nil, err
	}
	fields, _ := filtered.([]FieldDefinition)
	return fields, nil
}

// Taxonomies returns every taxonomy registered under the parent post type
// visible to the current caller, in registration order.
func (r *DefinitionRegistry) Taxonomies(ctx context.Context, parentSlug string) ([]TaxonomyDefinition, error) {
	r.mu.RLock()
	keys := make([]string, len(r.taxonomiesByParent[parentSlug]))
	copy(keys, r.taxonomiesByParent[parentSlug])
	entries := make([]*definitionEntry, 0, len(keys))
	for _, key := range keys {
		if entry := r.taxonomies[key]; entry != nil {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()

	visible := make([]TaxonomyDefinition, 0, len(entries))
	for _, entry := range entries {
		if _, ok := r.guard.Check(ctx, entry.capabilities); !ok {
			continue
		}
		visible = append(visible, entry.data.(TaxonomyDefinition))
	}
	filtered, err := r.hooks.ApplyFilters(ctx, "getTaxonomies", visible, parentSlug)
	if err != nil {
		return nil, err
	}
	taxonomies, _ := filtered.([]TaxonomyDefinition)
	return taxonomies, nil
}

// PostTypes returns every post type visible to the current caller. Order is
// not specified.
func (r *DefinitionRegistry) PostTypes(ctx context.Context) ([]PostTypeDefinition, error) {
	r.mu.RLock()
	entries := make([]*definitionEntry, 0, len(r.postTypes))
	for _, entry := range r.postTypes {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	visible := make([]PostTypeDefinition, 0, len(entries))
	for _, entry := range entries {
		if _, ok := r.guard.Check(ctx, entry.capabilities); !ok {
			continue
		}
		visible = append(visible, entry.data.(PostTypeDefinition))
	}
	filtered, err := r.hooks.ApplyFilters(ctx, "getPostTypes", visible)
	if err != nil {
		return nil, err
	}
	postTypes, _ := filtered.([]PostTypeDefinition)
	return postTypes, nil
}

// RegistryStats summarizes the registry contents for observability.
type RegistryStats struct {
	PostTypes        int `json:"post_types"`
	Taxonomies       int `json:"taxonomies"`
	Fields           int `json:"fields"`
	PersistedEntries int `json:"persisted_entries"`
	RuntimeEntries   int `json:"runtime_entries"`
}

// Stats returns registry statistics. No capability gate applies; counts are
// not definition data.
func (r *DefinitionRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		PostTypes:  len(r.postTypes),
		Taxonomies: len(r.taxonomies),
		Fields:     len(r.fields),
	}
	for _, bucket := range []map[string]*definitionEntry{r.postTypes, r.taxonomies, r.fields} {
		for _, entry := range bucket {
			if entry.source == SourcePersisted {
				stats.PersistedEntries++
			} else {
				stats.RuntimeEntries++
			}
		}
	}
	return stats
}
