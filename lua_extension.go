// lua_extension.go: Embedded Lua extension engine
//
// Native Go code cannot be reloaded into a running process, so the
// hot-reloadable module format is an embedded Lua script: each extension
// directory carries an extension.lua compiled once per cache miss, whose
// register() entry point is re-invoked per request against the current
// request scope.
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
	"sync"

	"github.com/Shopify/go-lua"
)

// ScriptFileName is the entry script inside a Lua extension directory.
const ScriptFileName = "extension.lua"

// luaCallbackTable is the Lua global holding callbacks registered during
// the current registration pass. Workers are internally single-threaded,
// so one table per module suffices; a mutex still serializes access for
// safety.
const luaCallbackTable = "__gocms_callbacks"

// LuaExtensionFactory loads extension.lua modules.
type LuaExtensionFactory struct{}

// NewLuaExtensionFactory creates the built-in Lua engine factory.
func NewLuaExtensionFactory() *LuaExtensionFactory {
	return &LuaExtensionFactory{}
}

// Open compiles and runs the extension script once. The script's top-level
// chunk must define a global register() function; a missing or non-function
// register is a non-conforming module and fails the load.
func (f *LuaExtensionFactory) Open(dir string, manifest ExtensionManifest) (Extension, error) {
	script := filepath.Join(dir, ScriptFileName)
	if _, err := os.Stat(script); err != nil {
		return nil, err
	}

	state := lua.NewState()
	lua.OpenLibraries(state)

	if err := lua.LoadFile(state, script, ""); err != nil {
		return nil, err
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, err
	}

	state.Global("register")
	isFunc := state.TypeOf(-1) == lua.TypeFunction
	state.Pop(1)
	if !isFunc {
		return nil, fmt.Errorf("extension.lua must define a register() function")
	}

	return &luaExtension{
		dir:      dir,
		manifest: manifest,
		state:    state,
	}, nil
}

// luaExtension is one compiled Lua module. The state lives as long as the
// cache entry; each Register call rebinds the host API to the current
// request scope before invoking the script's register() function.
type luaExtension struct {
	dir      string
	manifest ExtensionManifest

	mu    sync.Mutex
	state *lua.State
	seq   int
}

// Info implements Extension.
func (e *luaExtension) Info() ExtensionInfo {
	return ExtensionInfo{
		Slug:         e.manifest.Slug,
		Version:      e.manifest.Version,
		Description:  e.manifest.Description,
		Capabilities: e.manifest.Capabilities,
	}
}

// Register implements Extension: it rebinds the cms host table to the
// given scope and calls the script's register() function.
func (e *luaExtension) Register(ctx context.Context, scope *RequestScope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.bindHost(ctx, scope)

	e.state.Global("register")
	if err := e.state.ProtectedCall(0, 0, 0); err != nil {
		return err
	}
	return nil
}

// OnActivate implements Activator when the script defines on_activate; it
// is a no-op otherwise.
func (e *luaExtension) OnActivate(ctx context.Context) error {
	return e.callOptional("on_activate")
}

// OnDeactivate implements Deactivator when the script defines
// on_deactivate; it is a no-op otherwise.
func (e *luaExtension) OnDeactivate(ctx context.Context) error {
	return e.callOptional("on_deactivate")
}

// callOptional invokes a global Lua function by name if it exists.
func (e *luaExtension) callOptional(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Global(name)
	if e.state.TypeOf(-1) != lua.TypeFunction {
		e.state.Pop(1)
		return nil
	}
	return e.state.ProtectedCall(0, 0, 0)
}

// bindHost installs the cms table exposing the hooks surface to the
// script: add_action, add_filter, register_post_type, register_taxonomy,
// register_field, add_menu_page, and log. A fresh callback table replaces
// the previous registration pass's callbacks.
func (e *luaExtension) bindHost(ctx context.Context, scope *RequestScope) {
	l := e.state

	l.NewTable()
	l.SetGlobal(luaCallbackTable)
	e.seq = 0

	fns := []lua.RegistryFunction{
		{Name: "add_action", Function: func(l *lua.State) int {
			name := lua.CheckString(l, 1)
			lua.CheckType(l, 2, lua.TypeFunction)
			priority := lua.OptInteger(l, 3, DefaultHookPriority)
			idx := e.stashCallback(2)
			scope.Hooks.AddAction(name, e.actionFunc(idx), priority)
			return 0
		}},
		{Name: "add_filter", Function: func(l *lua.State) int {
			name := lua.CheckString(l, 1)
			lua.CheckType(l, 2, lua.TypeFunction)
			priority := lua.OptInteger(l, 3, DefaultHookPriority)
			idx := e.stashCallback(2)
			scope.Hooks.AddFilter(name, e.filterFunc(idx), priority)
			return 0
		}},
		{Name: "register_post_type", Function: func(l *lua.State) int {
			lua.CheckType(l, 1, lua.TypeTable)
			def := PostTypeDefinition{
				Slug:         tableStringField(l, 1, "slug"),
				Name:         tableStringField(l, 1, "name"),
				Visible:      tableBoolField(l, 1, "visible"),
				MenuIcon:     tableStringField(l, 1, "menu_icon"),
				Capabilities: tableStringsField(l, 1, "capabilities"),
			}
			priority := tableIntField(l, 1, "priority", DefaultDefinitionPriority)
			if err := scope.Definitions.RegisterPostType(ctx, def, priority); err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			return 0
		}},
		{Name: "register_taxonomy", Function: func(l *lua.State) int {
			lua.CheckType(l, 1, lua.TypeTable)
			def := TaxonomyDefinition{
				Slug:         tableStringField(l, 1, "slug"),
				PostType:     tableStringField(l, 1, "post_type"),
				Name:         tableStringField(l, 1, "name"),
				Visible:      tableBoolField(l, 1, "visible"),
				Capabilities: tableStringsField(l, 1, "capabilities"),
			}
			priority := tableIntField(l, 1, "priority", DefaultDefinitionPriority)
			if err := scope.Definitions.RegisterTaxonomy(ctx, def, priority); err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			return 0
		}},
		{Name: "register_field", Function: func(l *lua.State) int {
			lua.CheckType(l, 1, lua.TypeTable)
			def := FieldDefinition{
				Slug:         tableStringField(l, 1, "slug"),
				PostType:     tableStringField(l, 1, "post_type"),
				Name:         tableStringField(l, 1, "name"),
				Type:         tableStringField(l, 1, "type"),
				Capabilities: tableStringsField(l, 1, "capabilities"),
			}
			priority := tableIntField(l, 1, "priority", DefaultDefinitionPriority)
			if err := scope.Definitions.RegisterField(ctx, def, priority); err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			return 0
		}},
		{Name: "add_menu_page", Function: func(l *lua.State) int {
			lua.CheckType(l, 1, lua.TypeTable)
			page := MenuPage{
				Slug:         tableStringField(l, 1, "slug"),
				Title:        tableStringField(l, 1, "title"),
				Icon:         tableStringField(l, 1, "icon"),
				Capabilities: tableStringsField(l, 1, "capabilities"),
			}
			if err := scope.Menus.AddMenuPage(ctx, page); err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			return 0
		}},
		{Name: "add_submenu_page", Function: func(l *lua.State) int {
			parent := lua.CheckString(l, 1)
			lua.CheckType(l, 2, lua.TypeTable)
			page := MenuPage{
				Slug:         tableStringField(l, 2, "slug"),
				Title:        tableStringField(l, 2, "title"),
				Icon:         tableStringField(l, 2, "icon"),
				Capabilities: tableStringsField(l, 2, "capabilities"),
			}
			if err := scope.Menus.AddSubMenuPage(ctx, parent, page); err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			return 0
		}},
		{Name: "log", Function: func(l *lua.State) int {
			msg := lua.CheckString(l, 1)
			scope.Logger.Info(msg, "extension", e.manifest.Slug)
			return 0
		}},
	}

	l.NewTable()
	lua.SetFunctions(l, fns, 0)
	l.SetGlobal("cms")
}

// stashCallback stores the Lua function at the given stack index in the
// callback table and returns its slot.
func (e *luaExtension) stashCallback(stackIndex int) int {
	l := e.state
	e.seq++
	idx := e.seq
	l.Global(luaCallbackTable)
	l.PushValue(stackIndex)
	l.RawSetInt(-2, idx)
	l.Pop(1)
	return idx
}

// pushCallback pushes the stashed callback onto the stack.
func (e *luaExtension) pushCallback(idx int) {
	l := e.state
	l.Global(luaCallbackTable)
	l.RawGetInt(-1, idx)
	l.Remove(-2)
}

// actionFunc bridges a stashed Lua function into an ActionFunc.
func (e *luaExtension) actionFunc(idx int) ActionFunc {
	return func(_ context.Context, args ...any) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.pushCallback(idx)
		for _, arg := range args {
			pushGoValue(e.state, arg)
		}
		return e.state.ProtectedCall(len(args), 0, 0)
	}
}

// filterFunc bridges a stashed Lua function into a FilterFunc.
func (e *luaExtension) filterFunc(idx int) FilterFunc {
	return func(_ context.Context, value any, args ...any) (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.pushCallback(idx)
		pushGoValue(e.state, value)
		for _, arg := range args {
			pushGoValue(e.state, arg)
		}
		if err := e.state.ProtectedCall(1+len(args), 1, 0); err != nil {
			return nil, err
		}
		result := toGoValue(e.state, -1)
		e.state.Pop(1)
		return result, nil
	}
}

// pushGoValue converts a Go value onto the Lua stack. Unsupported kinds
// push nil.
func pushGoValue(l *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case int:
		l.PushInteger(v)
	case int64:
		l.PushInteger(int(v))
	case float64:
		l.PushNumber(v)
	case string:
		l.PushString(v)
	case map[string]any:
		l.NewTable()
		for key, item := range v {
			pushGoValue(l, item)
			l.SetField(-2, key)
		}
	case []any:
		l.NewTable()
		for i, item := range v {
			pushGoValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	default:
		l.PushNil()
	}
}

// toGoValue converts the Lua value at index into a Go value. Tables with
// array parts become []any, the rest become map[string]any keyed by their
// string keys.
func toGoValue(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeNil:
		return nil
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return n
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeTable:
		abs := l.AbsIndex(index)
		if n := l.RawLength(abs); n > 0 {
			items := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				l.RawGetInt(abs, i)
				items = append(items, toGoValue(l, -1))
				l.Pop(1)
			}
			return items
		}
		return nil
	default:
		return nil
	}
}

// tableStringField reads a string field from the table at index, empty
// when absent.
func tableStringField(l *lua.State, index int, name string) string {
	l.Field(index, name)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeString {
		return ""
	}
	s, _ := l.ToString(-1)
	return s
}

// tableBoolField reads a boolean field, false when absent.
func tableBoolField(l *lua.State, index int, name string) bool {
	l.Field(index, name)
	defer l.Pop(1)
	return l.ToBoolean(-1)
}

// tableIntField reads an integer field with a default.
func tableIntField(l *lua.State, index int, name string, def int) int {
	l.Field(index, name)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeNumber {
		return def
	}
	n, ok := l.ToInteger(-1)
	if !ok {
		return def
	}
	return n
}

// tableStringsField reads an array-of-strings field, nil when absent.
func tableStringsField(l *lua.State, index int, name string) []string {
	l.Field(index, name)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeTable {
		return nil
	}
	n := l.RawLength(-1)
	if n == 0 {
		return nil
	}
	items := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		l.RawGetInt(-1, i)
		if s, ok := l.ToString(-1); ok {
			items = append(items, s)
		}
		l.Pop(1)
	}
	return items
}
