// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"github.com/dop251/goja"

	"github.com/holomush/pluginexec/internal/realm"
)

// abortState backs one AbortSignal. Loop goroutine only.
type abortState struct {
	aborted   bool
	reason    goja.Value
	listeners []goja.Callable
	hooks     map[int]func()
	nextHook  int
}

// onAbort registers a host hook and returns its remover.
func (s *abortState) onAbort(fn func()) func() {
	if s.hooks == nil {
		s.hooks = make(map[int]func())
	}
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	return func() { delete(s.hooks, id) }
}

func (c *Context) signalState(v goja.Value) (*abortState, bool) {
	obj, ok := v.(*goja.Object)
	if !ok || c.signals == nil {
		return nil, false
	}
	s, ok := c.signals[obj]
	return s, ok
}

func (c *Context) newSignal() (*goja.Object, *abortState) {
	r := c.Realm
	vm := r.Runtime()
	if c.signals == nil {
		c.signals = make(map[*goja.Object]*abortState)
	}
	state := &abortState{reason: goja.Undefined()}
	signal := vm.NewObject()

	getter := func(fn func() goja.Value) goja.Value {
		return vm.ToValue(func(goja.FunctionCall) goja.Value { return fn() })
	}
	_ = signal.DefineAccessorProperty("aborted",
		getter(func() goja.Value { return vm.ToValue(state.aborted) }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = signal.DefineAccessorProperty("reason",
		getter(func() goja.Value { return state.reason }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = signal.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		if call.Argument(0).String() != "abort" {
			return goja.Undefined()
		}
		if fn, ok := goja.AssertFunction(call.Argument(1)); ok {
			state.listeners = append(state.listeners, fn)
		}
		return goja.Undefined()
	})
	_ = signal.Set("throwIfAborted", func(goja.FunctionCall) goja.Value {
		if state.aborted {
			panic(state.reason)
		}
		return goja.Undefined()
	})
	c.signals[signal] = state
	return signal, state
}

func (c *Context) abort(signal *goja.Object, state *abortState, reason goja.Value) {
	if state.aborted {
		return
	}
	vm := c.Realm.Runtime()
	if reason == nil || goja.IsUndefined(reason) {
		reason = namedError(vm, "This operation was aborted", "AbortError")
	}
	state.aborted = true
	state.reason = reason
	for _, hook := range state.hooks {
		hook()
	}
	state.hooks = nil
	event := vm.NewObject()
	_ = event.Set("type", "abort")
	_ = event.Set("target", signal)
	for _, fn := range state.listeners {
		if _, err := fn(signal, event); err != nil {
			c.Realm.ReportUnhandled(c.Realm.CauseOf(err))
		}
	}
	state.listeners = nil
}

func namedError(vm *goja.Runtime, message, name string) goja.Value {
	return realm.NamedError(vm, name, message)
}

// AbortFactory produces AbortController. Signals it creates are understood
// by fetch.
func AbortFactory() *Factory {
	return &Factory{
		Names: []string{"AbortController"},
		Build: func(ec *Context) (Grant, error) {
			r := ec.Realm
			vm := r.Runtime()
			ctor := func(call goja.ConstructorCall) *goja.Object {
				signal, state := ec.newSignal()
				this := call.This
				_ = this.Set("signal", signal)
				_ = this.Set("abort", func(c goja.FunctionCall) goja.Value {
					ec.abort(signal, state, c.Argument(0))
					return goja.Undefined()
				})
				return nil
			}
			return Grant{Values: map[string]goja.Value{
				"AbortController": r.Harden(vm.ToValue(ctor)),
			}}, nil
		},
	}
}
