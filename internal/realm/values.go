// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package realm

import (
	"encoding/json"
	"errors"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/holomush/pluginexec/pkg/execerr"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// The methods in this file touch the runtime and must run on the loop.

// Global returns the realm's global object.
func (r *Realm) Global() *goja.Object { return r.vm.GlobalObject() }

// Runtime returns the underlying runtime.
func (r *Realm) Runtime() *goja.Runtime { return r.vm }

// HostGlobal returns a stripped intrinsic by name.
func (r *Realm) HostGlobal(name string) (goja.Value, bool) {
	v, ok := r.hostGlobals[name]
	return v, ok
}

// HostGlobalNames returns the names HostGlobal resolves.
func (r *Realm) HostGlobalNames() []string {
	names := make([]string, 0, len(r.hostGlobals))
	for name := range r.hostGlobals {
		names = append(names, name)
	}
	return names
}

// RealDate returns the untamed Date constructor. It is never reachable from
// plugin code.
func (r *Realm) RealDate() goja.Value { return r.help.realDate }

// RealMath returns the realm's frozen Math intrinsic.
func (r *Realm) RealMath() goja.Value { return r.help.realMath }

// Harden deep-freezes v and everything reachable from it.
func (r *Realm) Harden(v goja.Value) goja.Value {
	out, err := r.help.harden(goja.Undefined(), v)
	if err != nil {
		r.logger.Error("harden failed", "error", err)
		return v
	}
	return out
}

// Bind returns fn bound to receiver.
func (r *Realm) Bind(fn, receiver goja.Value) (goja.Value, error) {
	return r.help.bind(goja.Undefined(), fn, receiver)
}

// IsConstructor reports whether v can be called with new.
func (r *Realm) IsConstructor(v goja.Value) bool {
	out, err := r.help.isConstructor(goja.Undefined(), v)
	return err == nil && out.ToBoolean()
}

// Opaque returns a fresh frozen object with a null prototype, used as an
// unforgeable handle.
func (r *Realm) Opaque() *goja.Object {
	out, err := r.help.opaque(goja.Undefined())
	if err != nil {
		panic(err)
	}
	return out.ToObject(r.vm)
}

// ParseJSON decodes raw into fresh realm values. Empty input yields null.
func (r *Realm) ParseJSON(raw []byte) (goja.Value, error) {
	if len(raw) == 0 {
		return goja.Null(), nil
	}
	v, err := r.help.parseJSON(goja.Undefined(), r.vm.ToValue(string(raw)))
	if err != nil {
		return nil, oops.In("realm").Wrap(err)
	}
	return v, nil
}

// MustParseJSON is ParseJSON for host-built values known to be valid.
func (r *Realm) MustParseJSON(raw []byte) goja.Value {
	v, err := r.ParseJSON(raw)
	if err != nil {
		panic(r.vm.NewTypeError("invalid host value"))
	}
	return v
}

// ToJSON encodes v if it is plain data: plain objects, arrays, finite
// numbers, strings, booleans and null. Anything else, including cycles and
// accessors, is a NonSerializableResult error.
func (r *Realm) ToJSON(v goja.Value) (json.RawMessage, error) {
	out, err := r.help.toSafeJSON(goja.Undefined(), v)
	if err != nil {
		return nil, r.Cause(err)
	}
	pair := out.ToObject(r.vm)
	if !pair.Get("0").ToBoolean() {
		return nil, execerr.NonSerializableResult(pair.Get("1").String())
	}
	return json.RawMessage(pair.Get("1").String()), nil
}

type thrownShape struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Code    *int            `json:"code"`
	Stack   string          `json:"stack"`
	Data    json.RawMessage `json:"data"`
}

// Describe reduces a thrown or rejected value to a plain error cause.
func (r *Realm) Describe(v goja.Value) *jsonrpc.Error {
	cause, err := r.describe(v)
	if err != nil {
		return &jsonrpc.Error{Code: jsonrpc.CodeInternal, Message: err.Error()}
	}
	return cause
}

func (r *Realm) describe(v goja.Value) (*jsonrpc.Error, error) {
	if v == nil {
		v = goja.Undefined()
	}
	out, err := r.help.describeThrown(goja.Undefined(), v)
	if err != nil {
		return nil, oops.In("realm").Wrap(err)
	}
	var shape thrownShape
	if err := json.Unmarshal([]byte(out.String()), &shape); err != nil {
		return nil, oops.In("realm").Wrap(err)
	}
	if shape.Kind == "unserializable" {
		return nil, execerr.NonSerializableResult("thrown " + shape.Message)
	}

	cause := &jsonrpc.Error{
		Code:    jsonrpc.CodeInternal,
		Message: shape.Message,
		Stack:   shape.Stack,
	}
	if shape.Code != nil {
		cause.Code = *shape.Code
	}
	if cause.Message == "" {
		cause.Message = "Unknown plugin error"
	}
	if len(shape.Data) > 0 {
		cause.Data = shape.Data
	}
	return cause, nil
}

// Cause converts an error returned by the runtime into an executor error.
// Interrupted execution is a termination; thrown values become plugin
// errors unless they cannot be represented as data.
func (r *Realm) Cause(err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return execerr.Terminated(r.id)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		cause, derr := r.describe(ex.Value())
		if derr != nil {
			return derr
		}
		return execerr.Plugin(r.id, cause)
	}
	return execerr.Plugin(r.id, &jsonrpc.Error{Code: jsonrpc.CodeInternal, Message: err.Error()})
}
