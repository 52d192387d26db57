// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 is part of the digest surface plugins expect
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// maxRandomBytes is the getRandomValues quota.
const maxRandomBytes = 65536

var digests = map[string]func() hash.Hash{
	"SHA-1":   sha1.New,
	"SHA-256": sha256.New,
	"SHA-384": sha512.New384,
	"SHA-512": sha512.New,
}

var integerViews = map[string]bool{
	"Int8Array":         true,
	"Uint8Array":        true,
	"Uint8ClampedArray": true,
	"Int16Array":        true,
	"Uint16Array":       true,
	"Int32Array":        true,
	"Uint32Array":       true,
	"BigInt64Array":     true,
	"BigUint64Array":    true,
}

func digestAlgorithm(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			return strings.ToUpper(name.String())
		}
	}
	if v == nil || goja.IsUndefined(v) {
		return ""
	}
	return strings.ToUpper(v.String())
}

// CryptoFactory produces crypto with getRandomValues, randomUUID and
// subtle.digest.
func CryptoFactory() *Factory {
	return &Factory{
		Names: []string{"crypto"},
		Build: func(ec *Context) (Grant, error) {
			r := ec.Realm
			vm := r.Runtime()

			getRandomValues := func(call goja.FunctionCall) goja.Value {
				arg := call.Argument(0)
				if !integerViews[viewTag(arg)] {
					r.ThrowTypeError("getRandomValues requires an integer typed array")
				}
				b, _ := viewBytes(arg)
				if len(b) > maxRandomBytes {
					panic(namedError(vm, "The ArrayBufferView's byte length exceeds the number of bytes of entropy available", "QuotaExceededError"))
				}
				if _, err := rand.Read(b); err != nil {
					r.ThrowError(err)
				}
				return arg
			}

			randomUUID := func(goja.FunctionCall) goja.Value {
				return vm.ToValue(uuid.NewString())
			}

			digest := func(call goja.FunctionCall) goja.Value {
				d := r.NewDeferred()
				alg := digestAlgorithm(call.Argument(0))
				newHash, ok := digests[alg]
				if !ok {
					d.Reject(namedError(vm, "Unrecognized algorithm name", "NotSupportedError"))
					return d.Promise
				}
				data, ok := viewBytes(call.Argument(1))
				if !ok {
					d.RejectTypeError("digest requires a BufferSource")
					return d.Promise
				}
				input := append([]byte(nil), data...)
				stamp := ec.Stamp("crypto.digest")
				go func() {
					h := newHash()
					h.Write(input)
					sum := h.Sum(nil)
					stamp.Deliver(func(*goja.Runtime) {
						d.Resolve(newArrayBuffer(r, sum))
					}, nil)
				}()
				return d.Promise
			}

			subtle := vm.NewObject()
			_ = subtle.Set("digest", digest)

			crypto := vm.NewObject()
			_ = crypto.Set("getRandomValues", getRandomValues)
			_ = crypto.Set("randomUUID", randomUUID)
			_ = crypto.Set("subtle", subtle)
			return Grant{Values: map[string]goja.Value{"crypto": r.Harden(crypto)}}, nil
		},
	}
}
