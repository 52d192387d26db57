// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package realm

import (
	"encoding/json"
	"errors"

	"github.com/dop251/goja"

	"github.com/holomush/pluginexec/pkg/execerr"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// Deferred is a realm promise with its settle functions. Loop goroutine only.
type Deferred struct {
	Promise *goja.Object
	realm   *Realm
	resolve goja.Callable
	reject  goja.Callable
	settled bool
}

// NewDeferred creates a pending promise. Loop goroutine only.
func (r *Realm) NewDeferred() *Deferred {
	out, err := r.help.deferred(goja.Undefined())
	if err != nil {
		panic(err)
	}
	obj := out.ToObject(r.vm)
	resolve, _ := goja.AssertFunction(obj.Get("resolve"))
	reject, _ := goja.AssertFunction(obj.Get("reject"))
	return &Deferred{
		Promise: obj.Get("promise").ToObject(r.vm),
		realm:   r,
		resolve: resolve,
		reject:  reject,
	}
}

// Resolve fulfils the promise with v. Later calls are ignored.
func (d *Deferred) Resolve(v goja.Value) {
	if d.settled {
		return
	}
	d.settled = true
	if _, err := d.resolve(goja.Undefined(), v); err != nil {
		d.realm.logger.Debug("resolve raised", "error", err)
	}
}

// Reject rejects the promise with v. Later calls are ignored.
func (d *Deferred) Reject(v goja.Value) {
	if d.settled {
		return
	}
	d.settled = true
	if _, err := d.reject(goja.Undefined(), v); err != nil {
		d.realm.logger.Debug("reject raised", "error", err)
	}
}

// RejectError rejects the promise with a JS Error built from err.
func (d *Deferred) RejectError(err error) {
	d.Reject(d.realm.NewError("", err.Error()))
}

// RejectTypeError rejects the promise with a TypeError.
func (d *Deferred) RejectTypeError(msg string) {
	d.Reject(d.realm.vm.NewTypeError("%s", msg))
}

// Settled reports whether the promise has been resolved or rejected.
func (d *Deferred) Settled() bool { return d.settled }

// Settle adopts v with the intrinsic Promise.resolve and calls done once it
// settles. A rejection is passed to done as the converted executor error.
// Loop goroutine only.
func (r *Realm) Settle(v goja.Value, done func(value goja.Value, err error)) {
	onFulfilled := r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done(call.Argument(0), nil)
		return goja.Undefined()
	})
	onRejected := r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done(nil, r.thrownError(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := r.help.settle(goja.Undefined(), v, onFulfilled, onRejected); err != nil {
		done(nil, r.Cause(err))
	}
}

func (r *Realm) thrownError(v goja.Value) error {
	cause, err := r.describe(v)
	if err != nil {
		return err
	}
	return execerr.Plugin(r.id, cause)
}

// Outcome is the settled, data-filtered result of a call into the realm.
type Outcome struct {
	Value json.RawMessage
	Err   error
}

// Call runs fn on the loop, awaits the value it returns and delivers the
// plain-data result. An undefined result is delivered as null. The channel
// receives exactly one Outcome unless the realm closes first, in which case
// Done fires instead.
func (r *Realm) Call(fn func(vm *goja.Runtime) (goja.Value, error)) <-chan Outcome {
	out := make(chan Outcome, 1)
	ok := r.Submit(func(vm *goja.Runtime) {
		v, err := fn(vm)
		if err != nil {
			out <- Outcome{Err: r.Cause(err)}
			return
		}
		r.Settle(v, func(value goja.Value, err error) {
			if err != nil {
				out <- Outcome{Err: err}
				return
			}
			if value == nil || goja.IsUndefined(value) {
				out <- Outcome{Value: json.RawMessage("null")}
				return
			}
			raw, err := r.ToJSON(value)
			out <- Outcome{Value: raw, Err: err}
		})
	})
	if !ok {
		out <- Outcome{Err: errClosed(r.id)}
	}
	return out
}

// ThrowTypeError panics with a realm TypeError; use from native functions.
func (r *Realm) ThrowTypeError(format string, args ...any) {
	panic(r.vm.NewTypeError(append([]any{format}, args...)...))
}

// ThrowError panics with a realm Error carrying err's message.
func (r *Realm) ThrowError(err error) {
	panic(r.NewError("", err.Error()))
}

// NewError builds a realm Error carrying message. See NamedError.
func (r *Realm) NewError(name, message string) *goja.Object {
	return NamedError(r.vm, name, message)
}

// NamedError builds an Error carrying message whose own name property is
// name, or "Error" when name is empty. The host error value is not
// reachable from the result. If the object cannot be shaped it falls back
// to a TypeError with the same message.
func NamedError(vm *goja.Runtime, name, message string) *goja.Object {
	if name == "" {
		name = "Error"
	}
	e := vm.NewGoError(errors.New(message))
	if err := e.Delete("value"); err != nil {
		return vm.NewTypeError(message)
	}
	if err := e.DefineDataProperty("name", vm.ToValue(name), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		return vm.NewTypeError(message)
	}
	return e
}

// CauseOf reduces an error produced by plugin code to its plain cause for
// out-of-band reporting.
func (r *Realm) CauseOf(err error) *jsonrpc.Error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return r.Describe(ex.Value())
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeInternal, Message: err.Error()}
}
