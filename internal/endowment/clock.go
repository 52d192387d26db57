// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"

	"github.com/dop251/goja"
	"github.com/samber/oops"
)

// secureFloat returns a uniformly distributed float in [0, 1) drawn from
// crypto/rand.
func secureFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(oops.In("endowment").Wrap(err))
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

const mathSource = `(function (RealMath, random) {
  'use strict';
  var names = Object.getOwnPropertyNames(RealMath);
  var out = {};
  for (var i = 0; i < names.length; i++) {
    var name = names[i];
    Object.defineProperty(out, name, {
      value: name === 'random' ? random : RealMath[name],
      writable: false, enumerable: false, configurable: false,
    });
  }
  Object.defineProperty(out, Symbol.toStringTag, { value: 'Math' });
  return out;
})`

// MathFactory produces a Math whose random is backed by crypto/rand.
func MathFactory() *Factory {
	return &Factory{
		Names: []string{"Math"},
		Build: func(ec *Context) (Grant, error) {
			r := ec.Realm
			vm := r.Runtime()
			random := vm.ToValue(func(goja.FunctionCall) goja.Value {
				return vm.ToValue(secureFloat())
			})
			v, err := runFactoryScript(vm, "endowment:math", mathSource, r.RealMath(), random)
			if err != nil {
				return Grant{}, err
			}
			return Grant{Values: map[string]goja.Value{"Math": r.Harden(v)}}, nil
		},
	}
}

const dateSource = `(function (RealDate, now) {
  'use strict';
  var construct = Reflect.construct;
  var toString = String;
  var NewDate = function Date() {
    var args = [];
    for (var i = 0; i < arguments.length; i++) {
      args[i] = arguments[i];
    }
    if (new.target === undefined) {
      return toString(construct(RealDate, [now()]));
    }
    return construct(RealDate, args.length === 0 ? [now()] : args, new.target);
  };
  var names = Object.getOwnPropertyNames(RealDate);
  for (var k = 0; k < names.length; k++) {
    var name = names[k];
    Reflect.defineProperty(NewDate, name, {
      value: name === 'now' ? now : RealDate[name],
      writable: false, enumerable: false, configurable: false,
    });
  }
  return NewDate;
})`

// monotonicNow returns milliseconds that never go backward, jittered by up
// to one millisecond from crypto/rand.
type monotonicNow struct {
	clock Clock
	mu    sync.Mutex
	last  float64
}

func (m *monotonicNow) now() float64 {
	actual := float64(m.clock.Now().UnixNano()) / float64(1e6)
	jittered := math.Round(actual + secureFloat())

	m.mu.Lock()
	defer m.mu.Unlock()
	if jittered > m.last {
		m.last = jittered
	}
	return m.last
}

// DateFactory produces a Date whose current-time reads are monotonic and
// jittered.
func DateFactory() *Factory {
	return &Factory{
		Names: []string{"Date"},
		Build: func(ec *Context) (Grant, error) {
			r := ec.Realm
			vm := r.Runtime()
			mono := &monotonicNow{clock: ec.clock()}
			now := vm.ToValue(func(goja.FunctionCall) goja.Value {
				return vm.ToValue(mono.now())
			})
			v, err := runFactoryScript(vm, "endowment:date", dateSource, r.RealDate(), now)
			if err != nil {
				return Grant{}, err
			}
			return Grant{Values: map[string]goja.Value{"Date": r.Harden(v)}}, nil
		},
	}
}

// runFactoryScript compiles a factory function and calls it with args.
func runFactoryScript(vm *goja.Runtime, name, src string, args ...goja.Value) (goja.Value, error) {
	fnVal, err := vm.RunScript(name, src)
	if err != nil {
		return nil, oops.In("endowment").With("script", name).Wrap(err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, oops.In("endowment").With("script", name).Errorf("factory script is not a function")
	}
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, oops.In("endowment").With("script", name).Wrap(err)
	}
	return v, nil
}
