// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"github.com/dop251/goja"

	"github.com/holomush/pluginexec/internal/realm"
)

// newUint8Array copies b into a fresh Uint8Array of the realm.
func newUint8Array(r *realm.Realm, b []byte) goja.Value {
	vm := r.Runtime()
	buf := vm.NewArrayBuffer(append([]byte(nil), b...))
	ctor, ok := r.HostGlobal("Uint8Array")
	if !ok {
		return vm.ToValue(buf)
	}
	arr, err := vm.New(ctor, vm.ToValue(buf))
	if err != nil {
		r.ThrowError(err)
	}
	return arr
}

// newArrayBuffer copies b into a fresh ArrayBuffer of the realm.
func newArrayBuffer(r *realm.Realm, b []byte) goja.Value {
	vm := r.Runtime()
	return vm.ToValue(vm.NewArrayBuffer(append([]byte(nil), b...)))
}

// viewBytes returns the bytes backing an ArrayBuffer or an ArrayBuffer view.
// The slice aliases realm memory; copy it before leaving the loop.
func viewBytes(v goja.Value) ([]byte, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	if ab, ok := v.Export().(goja.ArrayBuffer); ok {
		return ab.Bytes(), true
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	bufVal := obj.Get("buffer")
	if bufVal == nil {
		return nil, false
	}
	ab, ok := bufVal.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	data := ab.Bytes()
	off := obj.Get("byteOffset").ToInteger()
	n := obj.Get("byteLength").ToInteger()
	if off < 0 || n < 0 || off+n > int64(len(data)) {
		return nil, false
	}
	return data[off : off+n], true
}

// viewTag returns the toStringTag of an ArrayBuffer view, such as
// "Uint8Array", or "".
func viewTag(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return ""
	}
	tag := obj.GetSymbol(goja.SymToStringTag)
	if tag == nil || goja.IsUndefined(tag) {
		return ""
	}
	return tag.String()
}
