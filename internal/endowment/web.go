// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/dop251/goja"
)

// parseURL resolves raw against an optional base the way the URL
// constructor does: the result must be absolute.
func parseURL(raw string, base *string) (*url.URL, bool) {
	var u *url.URL
	var err error
	if base != nil {
		b, berr := url.Parse(*base)
		if berr != nil || !b.IsAbs() {
			return nil, false
		}
		u, err = b.Parse(raw)
	} else {
		u, err = url.Parse(raw)
	}
	if err != nil || !u.IsAbs() {
		return nil, false
	}
	if u.Path == "" && u.Opaque == "" && (u.Scheme == "http" || u.Scheme == "https") {
		u.Path = "/"
	}
	return u, true
}

func urlOrigin(u *url.URL) string {
	switch u.Scheme {
	case "http", "https", "ws", "wss", "ftp":
		return u.Scheme + "://" + u.Host
	}
	return "null"
}

func prefixed(prefix, s string) string {
	if s == "" {
		return ""
	}
	return prefix + s
}

func newSearchParams(vm *goja.Runtime, query url.Values) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if !query.Has(key) {
			return goja.Null()
		}
		return vm.ToValue(query.Get(key))
	})
	_ = obj.Set("getAll", func(call goja.FunctionCall) goja.Value {
		values := query[call.Argument(0).String()]
		out := make([]any, len(values))
		for i, v := range values {
			out[i] = v
		}
		return vm.NewArray(out...)
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(query.Has(call.Argument(0).String()))
	})
	_ = obj.Set("toString", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(query.Encode())
	})
	return obj
}

// newURL builds the URL constructor. Instances are immutable snapshots.
func newURL(ec *Context) goja.Value {
	r := ec.Realm
	vm := r.Runtime()
	ctor := vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		raw := call.Argument(0).String()
		var base *string
		if b := call.Argument(1); !goja.IsUndefined(b) {
			s := b.String()
			base = &s
		}
		u, ok := parseURL(raw, base)
		if !ok {
			r.ThrowTypeError("Invalid URL: %s", raw)
		}

		href := u.String()
		this := call.This
		_ = this.Set("href", href)
		_ = this.Set("origin", urlOrigin(u))
		_ = this.Set("protocol", u.Scheme+":")
		_ = this.Set("username", u.User.Username())
		password, _ := u.User.Password()
		_ = this.Set("password", password)
		_ = this.Set("host", u.Host)
		_ = this.Set("hostname", u.Hostname())
		_ = this.Set("port", u.Port())
		_ = this.Set("pathname", u.EscapedPath())
		_ = this.Set("search", prefixed("?", u.RawQuery))
		_ = this.Set("hash", prefixed("#", u.EscapedFragment()))
		_ = this.Set("searchParams", newSearchParams(vm, u.Query()))
		_ = this.Set("toString", func(goja.FunctionCall) goja.Value { return vm.ToValue(href) })
		_ = this.Set("toJSON", func(goja.FunctionCall) goja.Value { return vm.ToValue(href) })
		r.Harden(this)
		return nil
	})
	obj := ctor.ToObject(vm)
	_ = obj.Set("canParse", func(call goja.FunctionCall) goja.Value {
		var base *string
		if b := call.Argument(1); !goja.IsUndefined(b) {
			s := b.String()
			base = &s
		}
		_, ok := parseURL(call.Argument(0).String(), base)
		return vm.ToValue(ok)
	})
	return obj
}

// URLFactory produces URL.
func URLFactory() *Factory {
	return &Factory{
		Names: []string{"URL"},
		Build: func(ec *Context) (Grant, error) {
			return Grant{Values: map[string]goja.Value{"URL": ec.Realm.Harden(newURL(ec))}}, nil
		},
	}
}

// btoa encodes a binary string, where every code unit is one byte.
func btoa(s string) (string, bool) {
	b := make([]byte, 0, len(s))
	for _, ch := range s {
		if ch > 0xFF {
			return "", false
		}
		b = append(b, byte(ch))
	}
	return base64.StdEncoding.EncodeToString(b), true
}

// atob decodes forgiving base64 into a binary string.
func atob(s string) (string, bool) {
	s = strings.Map(func(ch rune) rune {
		switch ch {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return ch
	}, s)
	if len(s)%4 == 0 {
		s = strings.TrimSuffix(strings.TrimSuffix(s, "="), "=")
	}
	if len(s)%4 == 1 || strings.Contains(s, "=") {
		return "", false
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	var sb strings.Builder
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String(), true
}

// Base64Factory produces atob and btoa.
func Base64Factory() *Factory {
	return &Factory{
		Names: []string{"atob", "btoa"},
		Build: func(ec *Context) (Grant, error) {
			r := ec.Realm
			vm := r.Runtime()
			invalid := func() {
				panic(namedError(vm, "The string to be decoded is not correctly encoded.", "InvalidCharacterError"))
			}
			atobFn := func(call goja.FunctionCall) goja.Value {
				out, ok := atob(call.Argument(0).String())
				if !ok {
					invalid()
				}
				return vm.ToValue(out)
			}
			btoaFn := func(call goja.FunctionCall) goja.Value {
				out, ok := btoa(call.Argument(0).String())
				if !ok {
					panic(namedError(vm, "The string to be encoded contains characters outside of the Latin1 range.", "InvalidCharacterError"))
				}
				return vm.ToValue(out)
			}
			return Grant{Values: map[string]goja.Value{
				"atob": r.Harden(vm.ToValue(atobFn)),
				"btoa": r.Harden(vm.ToValue(btoaFn)),
			}}, nil
		},
	}
}
