// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package execerr is the executor's error taxonomy.
//
// Executor failures are oops errors whose code is a Kind. Failures raised by
// plugin code are carried as a *PluginError and always cross the realm
// boundary inside a single wrapped envelope, so callers can tell "the plugin
// failed" from "the executor failed" by code alone:
//
//	{code: -31001, message: "Wrapped Plugin Error", data: {cause: {...}}}
//
// Unwrap is the exact inverse of Wrap.
package execerr

import (
	"encoding/json"
	"errors"

	"github.com/samber/oops"

	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// Kind classifies an executor failure. Kinds double as oops codes.
type Kind string

// Error kinds.
const (
	KindTerminated            Kind = "TERMINATED"
	KindNoValidExports        Kind = "NO_VALID_EXPORTS"
	KindUnknownEndowment      Kind = "UNKNOWN_ENDOWMENT"
	KindUnknownPlugin         Kind = "UNKNOWN_PLUGIN"
	KindInvalidParams         Kind = "INVALID_PARAMS"
	KindNonSerializableResult Kind = "NON_SERIALIZABLE_RESULT"
	KindResultTooLarge        Kind = "RESULT_TOO_LARGE"
	KindPluginRuntime         Kind = "PLUGIN_RUNTIME"
	KindMethodNotFound        Kind = "METHOD_NOT_FOUND"
	KindLoad                  Kind = "LOAD_FAILED"
	KindInternal              Kind = "INTERNAL"
)

// JSON-RPC codes owned by the executor.
const (
	CodeWrappedPluginError    = -31001
	CodePluginError           = -31002
	CodeTerminated            = -32010
	CodeUnknownPlugin         = -32011
	CodeUnknownEndowment      = -32012
	CodeNoValidExports        = -32013
	CodeNonSerializableResult = -32014
)

// WrappedMessage is the stable message of the wrapped plugin error envelope.
const WrappedMessage = "Wrapped Plugin Error"

var kindCodes = map[Kind]int{
	KindTerminated:            CodeTerminated,
	KindNoValidExports:        CodeNoValidExports,
	KindUnknownEndowment:      CodeUnknownEndowment,
	KindUnknownPlugin:         CodeUnknownPlugin,
	KindInvalidParams:         jsonrpc.CodeInvalidParams,
	KindNonSerializableResult: CodeNonSerializableResult,
	KindResultTooLarge:        jsonrpc.CodeInternal,
	KindMethodNotFound:        jsonrpc.CodeMethodNotFound,
	KindLoad:                  jsonrpc.CodeInternal,
	KindInternal:              jsonrpc.CodeInternal,
	KindPluginRuntime:         CodeWrappedPluginError,
}

// Code returns the JSON-RPC code for a kind.
func (k Kind) Code() int {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return jsonrpc.CodeInternal
}

// New starts an oops builder tagged with kind.
func New(kind Kind) oops.OopsErrorBuilder {
	return oops.In("executor").Code(string(kind))
}

// Terminated is returned to every evaluation cancelled by terminate.
func Terminated(pluginID string) error {
	return New(KindTerminated).With("plugin_id", pluginID).Errorf("plugin %q was terminated", pluginID)
}

// UnknownPlugin is returned when no record exists for pluginID.
func UnknownPlugin(pluginID string) error {
	return New(KindUnknownPlugin).With("plugin_id", pluginID).Errorf("plugin %q is not running", pluginID)
}

// UnknownEndowment is returned when a requested endowment is neither
// registered nor a host global.
func UnknownEndowment(name string) error {
	return New(KindUnknownEndowment).With("endowment", name).Errorf("unknown endowment %q", name)
}

// NoValidExports is returned when a program exports no recognized entry point.
func NoValidExports(pluginID string) error {
	return New(KindNoValidExports).With("plugin_id", pluginID).Errorf("plugin %q has no valid exports", pluginID)
}

// Load wraps a failure to load pluginID. The kind of the underlying cause,
// when it has one, takes precedence over KindLoad.
func Load(pluginID string, err error) error {
	return New(KindLoad).With("plugin_id", pluginID).Hint("plugin load failed").Wrap(err)
}

// InvalidParams is returned when a request does not match its expected shape.
func InvalidParams(format string, args ...any) error {
	return New(KindInvalidParams).Errorf(format, args...)
}

// MethodNotFound is returned for unknown methods and missing mandatory exports.
func MethodNotFound(format string, args ...any) error {
	return New(KindMethodNotFound).Errorf(format, args...)
}

// NonSerializableResult is returned when an entry point result is not plain data.
func NonSerializableResult(reason string) error {
	return New(KindNonSerializableResult).With("reason", reason).Errorf("received non-JSON-serializable value: %s", reason)
}

// ResultTooLarge is returned when an encoded response exceeds the ceiling.
func ResultTooLarge(size, limit int) error {
	return New(KindResultTooLarge).With("size", size).With("limit", limit).
		Errorf("response of %d bytes exceeds the %d byte limit", size, limit)
}

// PluginError carries a value thrown by plugin code, already reduced to
// plain data inside the realm.
type PluginError struct {
	Cause *jsonrpc.Error
}

// Error implements the error interface.
func (e *PluginError) Error() string {
	if e.Cause == nil {
		return "plugin error"
	}
	return e.Cause.Message
}

// Plugin wraps a thrown value as a PLUGIN_RUNTIME failure.
func Plugin(pluginID string, cause *jsonrpc.Error) error {
	return New(KindPluginRuntime).With("plugin_id", pluginID).Wrap(&PluginError{Cause: cause})
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return KindPluginRuntime
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := any(oopsErr.Code()).(string); ok && code != "" {
			return Kind(code)
		}
	}
	return KindInternal
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Wrap builds the wrapped plugin error envelope around cause.
func Wrap(cause *jsonrpc.Error) *jsonrpc.Error {
	return &jsonrpc.Error{
		Code:    CodeWrappedPluginError,
		Message: WrappedMessage,
		Data:    map[string]any{"cause": cause},
	}
}

// Unwrap extracts the cause from a wrapped plugin error envelope. It
// reports false when e is not an envelope.
func Unwrap(e *jsonrpc.Error) (*jsonrpc.Error, bool) {
	if e == nil || e.Code != CodeWrappedPluginError {
		return nil, false
	}
	switch data := e.Data.(type) {
	case map[string]any:
		if cause, ok := data["cause"].(*jsonrpc.Error); ok {
			return cause, cause != nil
		}
	case nil:
		return nil, false
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, false
	}
	var env struct {
		Cause *jsonrpc.Error `json:"cause"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Cause == nil {
		return nil, false
	}
	return env.Cause, true
}

// Serialize reduces any error to its wire form. Plugin failures are wrapped;
// executor failures carry their kind and safe context, never a Go stack.
func Serialize(err error) *jsonrpc.Error {
	if err == nil {
		return nil
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return Wrap(pe.Cause)
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	kind := KindOf(err)
	data := map[string]any{"kind": string(kind)}
	if oopsErr, ok := oops.AsOops(err); ok {
		for k, v := range oopsErr.Context() {
			if k == "plugin_id" || k == "endowment" || k == "reason" {
				data[k] = v
			}
		}
	}
	return &jsonrpc.Error{
		Code:    kind.Code(),
		Message: err.Error(),
		Data:    data,
	}
}
