// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// assembly is one plugin's WebAssembly state. The wazero runtime lives as
// long as the realm; module handles are mapped on the loop only.
type assembly struct {
	ec      *Context
	ctx     context.Context
	rt      wazero.Runtime
	modules map[*goja.Object]wazero.CompiledModule
	next    int
}

func newAssembly(ec *Context) *assembly {
	ctx, cancel := context.WithCancel(context.Background())
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	a := &assembly{
		ec:      ec,
		ctx:     ctx,
		rt:      rt,
		modules: make(map[*goja.Object]wazero.CompiledModule),
	}
	ec.Realm.OnClose(func() {
		cancel()
		if err := rt.Close(context.Background()); err != nil {
			ec.logger().Debug("closing wasm runtime", "plugin", ec.PluginID, "error", err)
		}
	})
	return a
}

// source copies the module bytes out of realm memory.
func (a *assembly) source(v goja.Value) ([]byte, bool) {
	b, ok := viewBytes(v)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func (a *assembly) validate(call goja.FunctionCall) goja.Value {
	vm := a.ec.Realm.Runtime()
	bin, ok := a.source(call.Argument(0))
	if !ok {
		a.ec.Realm.ThrowTypeError("WebAssembly.validate requires a BufferSource")
	}
	compiled, err := a.rt.CompileModule(a.ctx, bin)
	if err != nil {
		return vm.ToValue(false)
	}
	_ = compiled.Close(a.ctx)
	return vm.ToValue(true)
}

// compileAsync compiles bin off the loop and runs done with the result.
func (a *assembly) compileAsync(bin []byte, done func(wazero.CompiledModule, error)) {
	stamp := a.ec.Stamp("wasm.compile")
	go func() {
		compiled, err := a.rt.CompileModule(a.ctx, bin)
		discard := func() {
			if compiled != nil {
				_ = compiled.Close(context.Background())
			}
		}
		stamp.Deliver(func(*goja.Runtime) { done(compiled, err) }, discard)
	}()
}

func (a *assembly) handle(compiled wazero.CompiledModule) *goja.Object {
	h := a.ec.Realm.Opaque()
	a.modules[h] = compiled
	return h
}

func (a *assembly) compile(call goja.FunctionCall) goja.Value {
	r := a.ec.Realm
	vm := r.Runtime()
	d := r.NewDeferred()
	bin, ok := a.source(call.Argument(0))
	if !ok {
		d.RejectTypeError("WebAssembly.compile requires a BufferSource")
		return d.Promise
	}
	a.compileAsync(bin, func(compiled wazero.CompiledModule, err error) {
		if err != nil {
			d.Reject(namedError(vm, err.Error(), "CompileError"))
			return
		}
		d.Resolve(a.handle(compiled))
	})
	return d.Promise
}

func (a *assembly) instantiate(call goja.FunctionCall) goja.Value {
	r := a.ec.Realm
	vm := r.Runtime()
	d := r.NewDeferred()
	arg := call.Argument(0)

	if obj, ok := arg.(*goja.Object); ok {
		if compiled, known := a.modules[obj]; known {
			a.start(compiled, func(instance goja.Value, err goja.Value) {
				if err != nil {
					d.Reject(err)
					return
				}
				d.Resolve(instance)
			})
			return d.Promise
		}
	}

	bin, ok := a.source(arg)
	if !ok {
		d.RejectTypeError("WebAssembly.instantiate requires a BufferSource or Module")
		return d.Promise
	}
	a.compileAsync(bin, func(compiled wazero.CompiledModule, err error) {
		if err != nil {
			d.Reject(namedError(vm, err.Error(), "CompileError"))
			return
		}
		module := a.handle(compiled)
		a.start(compiled, func(instance goja.Value, err goja.Value) {
			if err != nil {
				d.Reject(err)
				return
			}
			out := vm.NewObject()
			_ = out.Set("module", module)
			_ = out.Set("instance", instance)
			d.Resolve(out)
		})
	})
	return d.Promise
}

// start instantiates compiled off the loop. Modules that import anything
// cannot be linked: no host functions are offered.
func (a *assembly) start(compiled wazero.CompiledModule, done func(instance, err goja.Value)) {
	r := a.ec.Realm
	vm := r.Runtime()
	if len(compiled.ImportedFunctions()) > 0 || len(compiled.ImportedMemories()) > 0 {
		done(nil, namedError(vm, "WebAssembly modules with imports cannot be linked", "LinkError"))
		return
	}
	a.next++
	name := fmt.Sprintf("%s-%d", a.ec.PluginID, a.next)
	stamp := a.ec.Stamp("wasm.instantiate")
	go func() {
		mod, err := a.rt.InstantiateModule(a.ctx, compiled, wazero.NewModuleConfig().WithName(name))
		discard := func() {
			if mod != nil {
				_ = mod.Close(context.Background())
			}
		}
		stamp.Deliver(func(*goja.Runtime) {
			if err != nil {
				done(nil, namedError(vm, err.Error(), "RuntimeError"))
				return
			}
			done(a.instance(compiled, mod), nil)
		}, discard)
	}()
}

func (a *assembly) instance(compiled wazero.CompiledModule, mod api.Module) goja.Value {
	r := a.ec.Realm
	vm := r.Runtime()
	exports := vm.NewObject()
	for name, def := range compiled.ExportedFunctions() {
		if !numeric(def.ParamTypes()) || !numeric(def.ResultTypes()) {
			continue
		}
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		_ = exports.Set(name, a.export(fn, def))
	}
	instance := vm.NewObject()
	_ = instance.Set("exports", exports)
	return r.Harden(instance)
}

func numeric(types []api.ValueType) bool {
	for _, t := range types {
		switch t {
		case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		default:
			return false
		}
	}
	return true
}

func (a *assembly) export(fn api.Function, def api.FunctionDefinition) func(goja.FunctionCall) goja.Value {
	r := a.ec.Realm
	vm := r.Runtime()
	params := def.ParamTypes()
	results := def.ResultTypes()
	return func(call goja.FunctionCall) goja.Value {
		in := make([]uint64, len(params))
		for i, t := range params {
			in[i] = encodeValue(t, call.Argument(i))
		}
		out, err := fn.Call(a.ctx, in...)
		if err != nil {
			panic(namedError(vm, err.Error(), "RuntimeError"))
		}
		switch len(results) {
		case 0:
			return goja.Undefined()
		case 1:
			return decodeValue(vm, results[0], out[0])
		}
		values := make([]any, len(results))
		for i, t := range results {
			values[i] = decodeValue(vm, t, out[i])
		}
		return vm.NewArray(values...)
	}
}

func encodeValue(t api.ValueType, v goja.Value) uint64 {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v.ToInteger()))
	case api.ValueTypeI64:
		return uint64(v.ToInteger())
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v.ToFloat()))
	default:
		return api.EncodeF64(v.ToFloat())
	}
}

func decodeValue(vm *goja.Runtime, t api.ValueType, raw uint64) goja.Value {
	switch t {
	case api.ValueTypeI32:
		return vm.ToValue(api.DecodeI32(raw))
	case api.ValueTypeI64:
		return vm.ToValue(float64(int64(raw)))
	case api.ValueTypeF32:
		return vm.ToValue(float64(api.DecodeF32(raw)))
	default:
		return vm.ToValue(api.DecodeF64(raw))
	}
}

// WebAssemblyFactory produces WebAssembly with validate, compile and
// instantiate for import-free modules with numeric exports.
func WebAssemblyFactory() *Factory {
	return &Factory{
		Names: []string{"WebAssembly"},
		Build: func(ec *Context) (Grant, error) {
			if ec.Realm == nil {
				return Grant{}, oops.In("endowment").Errorf("WebAssembly requires a realm")
			}
			a := newAssembly(ec)
			r := ec.Realm
			vm := r.Runtime()
			obj := vm.NewObject()
			_ = obj.Set("validate", a.validate)
			_ = obj.Set("compile", a.compile)
			_ = obj.Set("instantiate", a.instantiate)
			return Grant{Values: map[string]goja.Value{"WebAssembly": r.Harden(obj)}}, nil
		},
	}
}
