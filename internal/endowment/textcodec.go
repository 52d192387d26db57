// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// newTextEncoder builds the TextEncoder constructor.
func newTextEncoder(ec *Context) goja.Value {
	r := ec.Realm
	vm := r.Runtime()
	return vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		this := call.This
		_ = this.Set("encoding", "utf-8")
		_ = this.Set("encode", func(c goja.FunctionCall) goja.Value {
			arg := c.Argument(0)
			if goja.IsUndefined(arg) {
				return newUint8Array(r, nil)
			}
			return newUint8Array(r, []byte(arg.String()))
		})
		_ = this.Set("encodeInto", func(c goja.FunctionCall) goja.Value {
			src := c.Argument(0).String()
			dst, ok := viewBytes(c.Argument(1))
			if !ok || viewTag(c.Argument(1)) != "Uint8Array" {
				r.ThrowTypeError("encodeInto requires a Uint8Array destination")
			}
			read, written := 0, 0
			for _, ch := range src {
				n := utf8.RuneLen(ch)
				if n < 0 {
					n = utf8.RuneLen(utf8.RuneError)
					ch = utf8.RuneError
				}
				if written+n > len(dst) {
					break
				}
				utf8.EncodeRune(dst[written:], ch)
				written += n
				read++
				if ch > 0xFFFF {
					read++
				}
			}
			out := vm.NewObject()
			_ = out.Set("read", read)
			_ = out.Set("written", written)
			return out
		})
		return nil
	})
}

// newTextDecoder builds the TextDecoder constructor. Labels resolve through
// the WHATWG encoding index.
func newTextDecoder(ec *Context) goja.Value {
	r := ec.Realm
	vm := r.Runtime()
	return vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		label := "utf-8"
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			label = strings.TrimSpace(arg.String())
		}
		enc, err := htmlindex.Get(label)
		if err != nil {
			panic(namedError(vm, "The encoding label provided ('"+label+"') is invalid.", "RangeError"))
		}
		name, err := htmlindex.Name(enc)
		if err != nil {
			name = strings.ToLower(label)
		}

		fatal, ignoreBOM := false, false
		if opts, ok := call.Argument(1).(*goja.Object); ok {
			fatal = opts.Get("fatal") != nil && opts.Get("fatal").ToBoolean()
			ignoreBOM = opts.Get("ignoreBOM") != nil && opts.Get("ignoreBOM").ToBoolean()
		}

		this := call.This
		_ = this.Set("encoding", name)
		_ = this.Set("fatal", fatal)
		_ = this.Set("ignoreBOM", ignoreBOM)
		_ = this.Set("decode", func(c goja.FunctionCall) goja.Value {
			arg := c.Argument(0)
			if goja.IsUndefined(arg) {
				return vm.ToValue("")
			}
			b, ok := viewBytes(arg)
			if !ok {
				r.ThrowTypeError("decode requires a BufferSource")
			}
			s, err := decodeText(enc, name, b, fatal, ignoreBOM)
			if err != nil {
				r.ThrowTypeError("The encoded data was not valid for encoding %s", name)
			}
			return vm.ToValue(s)
		})
		return nil
	})
}

func decodeText(enc encoding.Encoding, name string, b []byte, fatal, ignoreBOM bool) (string, error) {
	if name == "utf-8" {
		if !ignoreBOM {
			b = bytes.TrimPrefix(b, utf8BOM)
		}
		if fatal && !utf8.Valid(b) {
			return "", errInvalidEncoding
		}
		return strings.ToValidUTF8(string(b), "\uFFFD"), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		if fatal {
			return "", errInvalidEncoding
		}
		return strings.ToValidUTF8(string(b), "\uFFFD"), nil
	}
	return string(out), nil
}

var errInvalidEncoding = errors.New("invalid encoded data")

// TextCodecFactory produces TextEncoder and TextDecoder.
func TextCodecFactory() *Factory {
	return &Factory{
		Names: []string{"TextEncoder", "TextDecoder"},
		Build: func(ec *Context) (Grant, error) {
			r := ec.Realm
			return Grant{Values: map[string]goja.Value{
				"TextEncoder": r.Harden(newTextEncoder(ec)),
				"TextDecoder": r.Harden(newTextDecoder(ec)),
			}}, nil
		},
	}
}
