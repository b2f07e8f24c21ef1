// errors.go: structured error definitions for the go-cms runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"github.com/agilira/go-errors"
)

// Error codes for the go-cms runtime
const (
	// Definition registry errors (1000-1099)
	ErrCodeMissingDefinitionSlug = "DEFINITION_1001"
	ErrCodeMissingParentSlug     = "DEFINITION_1002"
	ErrCodeDefinitionStore       = "DEFINITION_1003"
	ErrCodeRegistryState         = "DEFINITION_1004"

	// Extension loading errors (1100-1199)
	ErrCodeExtensionManifest = "EXTENSION_1101"
	ErrCodeExtensionLoad     = "EXTENSION_1102"
	ErrCodeExtensionRegister = "EXTENSION_1103"
	ErrCodeExtensionEngine   = "EXTENSION_1104"
	ErrCodeContentHash       = "EXTENSION_1105"
	ErrCodeLifecycleHook     = "EXTENSION_1106"

	// Hook engine errors (1200-1299)
	ErrCodeHookDispatch = "HOOK_1201"
	ErrCodeFilterChain  = "HOOK_1202"

	// Worker pool errors (1300-1399)
	ErrCodeWorkerSpawn       = "WORKER_1301"
	ErrCodeWorkerUnavailable = "WORKER_1302"
	ErrCodeReplacementFailed = "WORKER_1303"
	ErrCodeHandoffFailed     = "WORKER_1304"
	ErrCodeCoordinatorState  = "WORKER_1305"

	// Message protocol errors (1400-1499)
	ErrCodeProtocolEncode     = "PROTOCOL_1401"
	ErrCodeProtocolDecode     = "PROTOCOL_1402"
	ErrCodeUnknownMessageKind = "PROTOCOL_1403"

	// Configuration errors (1700-1799)
	ErrCodeConfigParse      = "CONFIG_1701"
	ErrCodeConfigValidation = "CONFIG_1702"
	ErrCodeConfigWatcher    = "CONFIG_1703"
)

// Definition registry error constructors

func NewMissingDefinitionSlugError(kind DefinitionKind) *errors.Error {
	return errors.New(ErrCodeMissingDefinitionSlug, "Missing definition slug").
		WithUserMessage("A definition requires a non-empty slug").
		WithContext("kind", kind.String()).
		WithSeverity("error")
}

func NewMissingParentSlugError(kind DefinitionKind, slug string) *errors.Error {
	return errors.New(ErrCodeMissingParentSlug, "Missing parent slug").
		WithUserMessage("Taxonomy and field definitions require a parent post type slug").
		WithContext("kind", kind.String()).
		WithContext("slug", slug).
		WithSeverity("error")
}

func NewDefinitionStoreError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDefinitionStore, "Definition store error: "+message).
		WithUserMessage("Reading persisted definitions failed").
		WithSeverity("error")
}

func NewRegistryStateError(message string) *errors.Error {
	return errors.New(ErrCodeRegistryState, "Registry state error: "+message).
		WithUserMessage("Definition registry is in an invalid state for this operation").
		WithSeverity("error")
}

// Extension loading error constructors

func NewExtensionManifestError(slug string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeExtensionManifest, "Extension manifest error").
		WithUserMessage("The extension manifest is missing or malformed").
		WithContext("slug", slug).
		WithSeverity("error")
}

func NewExtensionLoadError(slug string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeExtensionLoad, "Extension load failed").
		WithUserMessage("The extension module could not be loaded").
		WithContext("slug", slug).
		WithSeverity("error")
}

func NewExtensionRegisterError(slug string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeExtensionRegister, "Extension registration failed").
		WithUserMessage("The extension registration entry point returned an error").
		WithContext("slug", slug).
		WithSeverity("error")
}

func NewExtensionEngineError(slug, engine string) *errors.Error {
	return errors.New(ErrCodeExtensionEngine, "Unsupported extension engine").
		WithUserMessage("No factory is registered for the extension's engine").
		WithContext("slug", slug).
		WithContext("engine", engine).
		WithSeverity("error")
}

func NewContentHashError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeContentHash, "Content hash failed").
		WithUserMessage("The extension directory could not be hashed").
		WithContext("path", path).
		WithSeverity("error")
}

func NewLifecycleHookError(slug, hook string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeLifecycleHook, "Lifecycle hook failed").
		WithUserMessage("An extension lifecycle hook returned an error").
		WithContext("slug", slug).
		WithContext("hook", hook).
		WithSeverity("warning")
}

// Hook engine error constructors

func NewHookDispatchError(name string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeHookDispatch, "Action dispatch aborted").
		WithUserMessage("An action callback returned an error; remaining callbacks were skipped").
		WithContext("hook", name).
		WithSeverity("error")
}

func NewFilterChainError(name string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeFilterChain, "Filter chain aborted").
		WithUserMessage("A filter callback returned an error; remaining filters were skipped").
		WithContext("hook", name).
		WithSeverity("error")
}

// Worker pool error constructors

func NewWorkerSpawnError(slot int, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeWorkerSpawn, "Worker spawn failed").
		WithUserMessage("A worker process could not be started").
		WithContext("slot", slot).
		WithSeverity("error")
}

func NewWorkerUnavailableError(slot int) *errors.Error {
	return errors.New(ErrCodeWorkerUnavailable, "Worker unavailable").
		WithUserMessage("No live worker occupies the requested slot").
		WithContext("slot", slot).
		WithSeverity("error")
}

func NewReplacementFailedError(slot int, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeReplacementFailed, "Worker replacement failed").
		WithUserMessage("The replacement worker never reached the listening state; the predecessor was kept").
		WithContext("slot", slot).
		WithSeverity("warning")
}

func NewHandoffFailedError(slot int, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeHandoffFailed, "Connection handoff failed").
		WithUserMessage("The connection could not be transferred to the worker").
		WithContext("slot", slot).
		WithSeverity("error")
}

func NewCoordinatorStateError(message string) *errors.Error {
	return errors.New(ErrCodeCoordinatorState, "Coordinator state error: "+message).
		WithUserMessage("The process coordinator is in an invalid state for this operation").
		WithSeverity("error")
}

// Message protocol error constructors

func NewProtocolEncodeError(kind MessageKind, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeProtocolEncode, "Message encode failed").
		WithUserMessage("An inter-process message could not be encoded").
		WithContext("kind", string(kind)).
		WithSeverity("error")
}

func NewProtocolDecodeError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeProtocolDecode, "Message decode failed").
		WithUserMessage("An inter-process message could not be decoded").
		WithSeverity("error")
}

func NewUnknownMessageKindError(kind string) *errors.Error {
	return errors.New(ErrCodeUnknownMessageKind, "Unknown message kind").
		WithUserMessage("The message kind is not part of the protocol").
		WithContext("kind", kind).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParse, "Configuration parse error").
		WithUserMessage("The runtime configuration file could not be parsed").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidation, "Configuration validation error: "+message).
			WithUserMessage("Configuration validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidation, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigWatcher, "Configuration watcher error: "+message).
		WithUserMessage("Watching the runtime configuration file failed").
		WithSeverity("error")
}
