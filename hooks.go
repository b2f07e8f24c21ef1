// hooks.go: Priority-ordered action and filter hook engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"sort"
	"sync"
)

// DefaultHookPriority is the priority used by convention when a caller has
// no ordering requirement. Lower priorities run first.
const DefaultHookPriority = 10

// ActionFunc is a hook callback executed for side effect.
type ActionFunc func(ctx context.Context, args ...any) error

// FilterFunc is a hook callback that transforms a value. Each filter
// receives the previous filter's return value and produces the next one.
type FilterFunc func(ctx context.Context, value any, args ...any) (any, error)

// hookEntry pairs a callback with its priority and insertion sequence.
// The sequence is the tie-break for equal priorities.
type hookEntry[T any] struct {
	callback T
	priority int
	seq      uint64
}

// HookEngine holds the named action and filter callback lists for one
// request.
//
// Dispatch contract: callbacks run strictly sequentially in ascending
// priority order (insertion order on ties), and the first callback error
// aborts the remainder of that dispatch. There is no error isolation
// between callbacks and no concurrent execution; a callback that wants
// asynchronous work must manage its own goroutine and must not expect the
// dispatch to await it.
//
// Instances are request-scoped: the runtime builds a fresh engine for every
// request and extensions re-register their hooks against it each time. The
// engine is still safe for concurrent use, since a single request may fan
// out internally.
type HookEngine struct {
	mu      sync.RWMutex
	actions map[string][]hookEntry[ActionFunc]
	filters map[string][]hookEntry[FilterFunc]
	seq     uint64
}

// NewHookEngine creates an empty hook engine.
func NewHookEngine() *HookEngine {
	return &HookEngine{
		actions: make(map[string][]hookEntry[ActionFunc]),
		filters: make(map[string][]hookEntry[FilterFunc]),
	}
}

// AddAction registers an action callback under name. The named list is kept
// sorted ascending by priority; callbacks added later sort after earlier
// ones of equal priority.
func (h *HookEngine) AddAction(name string, callback ActionFunc, priority int) {
	if callback == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.actions[name] = append(h.actions[name], hookEntry[ActionFunc]{
		callback: callback,
		priority: priority,
		seq:      h.seq,
	})
	sortEntries(h.actions[name])
}

// AddFilter registers a filter callback under name, ordered like AddAction.
func (h *HookEngine) AddFilter(name string, callback FilterFunc, priority int) {
	if callback == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.filters[name] = append(h.filters[name], hookEntry[FilterFunc]{
		callback: callback,
		priority: priority,
		seq:      h.seq,
	})
	sortEntries(h.filters[name])
}

// DoAction invokes every callback registered for name in priority order.
// The first callback error aborts the dispatch and is returned wrapped;
// callbacks after the failing one do not run.
func (h *HookEngine) DoAction(ctx context.Context, name string, args ...any) error {
	h.mu.RLock()
	entries := make([]hookEntry[ActionFunc], len(h.actions[name]))
	copy(entries, h.actions[name])
	h.mu.RUnlock()

	for _, entry := range entries {
		if err := entry.callback(ctx, args...); err != nil {
			return NewHookDispatchError(name, err)
		}
	}
	return nil
}

// ApplyFilters threads value through every filter registered for name in
// priority order and returns the final value. The first filter error aborts
// the chain; the partially filtered value is discarded.
func (h *HookEngine) ApplyFilters(ctx context.Context, name string, value any, args ...any) (any, error) {
	h.mu.RLock()
	entries := make([]hookEntry[FilterFunc], len(h.filters[name]))
	copy(entries, h.filters[name])
	h.mu.RUnlock()

	current := value
	for _, entry := range entries {
		next, err := entry.callback(ctx, current, args...)
		if err != nil {
			return nil, NewFilterChainError(name, err)
		}
		current = next
	}
	return current, nil
}

// HasAction reports whether at least one action callback is registered
// under name.
func (h *HookEngine) HasAction(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.actions[name]) > 0
}

// HasFilter reports whether at least one filter callback is registered
// under name.
func (h *HookEngine) HasFilter(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.filters[name]) > 0
}

// RemoveAction drops every action callback registered under name.
func (h *HookEngine) RemoveAction(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.actions, name)
}

// RemoveFilter drops every filter callback registered under name.
func (h *HookEngine) RemoveFilter(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.filters, name)
}

// Reset clears all registered callbacks. The runtime resets the engine
// rather than allocating a new one when it recycles a request scope.
func (h *HookEngine) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = make(map[string][]hookEntry[ActionFunc])
	h.filters = make(map[string][]hookEntry[FilterFunc])
}

// sortEntries orders a callback list ascending by priority, insertion
// sequence on ties.
func sortEntries[T any](entries []hookEntry[T]) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})
}
