// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/holomush/pluginexec/pkg/execerr"
)

// MinimumTimeout floors every timer delay to blunt timing channels.
const MinimumTimeout = 10 * time.Millisecond

// timerSet tracks the handles one grant issued. Handles are only mapped on
// the loop; teardown may run from any goroutine.
type timerSet struct {
	ec      *Context
	minimum time.Duration
	repeat  bool
	kind    string
	mu      sync.Mutex
	handles map[*goja.Object]Timer
}

func newTimerSet(ec *Context, minimum time.Duration, repeat bool) *timerSet {
	if minimum <= 0 {
		minimum = MinimumTimeout
	}
	kind := "timeout"
	if repeat {
		kind = "interval"
	}
	return &timerSet{
		ec:      ec,
		minimum: minimum,
		repeat:  repeat,
		kind:    kind,
		handles: make(map[*goja.Object]Timer),
	}
}

func (t *timerSet) delay(v goja.Value) time.Duration {
	if v == nil || goja.IsUndefined(v) {
		return t.minimum
	}
	ms := v.ToFloat()
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	d := time.Duration(ms * float64(time.Millisecond))
	if ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		d = time.Duration(math.MaxInt64)
	}
	if d < t.minimum {
		d = t.minimum
	}
	return d
}

func (t *timerSet) set(call goja.FunctionCall) goja.Value {
	r := t.ec.Realm
	handler, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		r.ThrowTypeError("The %s handler must be a function.", t.kind)
	}
	d := t.delay(call.Argument(1))
	handle := r.Opaque()
	stamp := t.ec.Stamp(t.kind)

	t.mu.Lock()
	t.handles[handle] = t.schedule(handle, handler, d, stamp)
	t.mu.Unlock()
	return handle
}

func (t *timerSet) schedule(handle *goja.Object, handler goja.Callable, d time.Duration, stamp Stamp) Timer {
	return t.ec.clock().AfterFunc(d, func() {
		stamp.Deliver(func(*goja.Runtime) {
			if !t.live(handle) {
				return
			}
			if t.repeat {
				t.mu.Lock()
				if _, ok := t.handles[handle]; ok {
					t.handles[handle] = t.schedule(handle, handler, d, stamp)
				}
				t.mu.Unlock()
			} else {
				t.forget(handle)
			}
			if _, err := handler(goja.Undefined()); err != nil {
				t.report(err)
			}
		}, nil)
	})
}

func (t *timerSet) report(err error) {
	r := t.ec.Realm
	if execerr.Is(r.Cause(err), execerr.KindTerminated) {
		return
	}
	r.ReportUnhandled(r.CauseOf(err))
}

func (t *timerSet) live(handle *goja.Object) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[handle]
	return ok
}

func (t *timerSet) forget(handle *goja.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, handle)
}

func (t *timerSet) clear(call goja.FunctionCall) goja.Value {
	handle, ok := call.Argument(0).(*goja.Object)
	if !ok {
		return goja.Undefined()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.handles[handle]; ok {
		timer.Stop()
		delete(t.handles, handle)
	}
	return goja.Undefined()
}

// pending reports how many handles are outstanding.
func (t *timerSet) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

func (t *timerSet) teardown(context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for handle, timer := range t.handles {
		timer.Stop()
		delete(t.handles, handle)
	}
}

func (t *timerSet) grant(setName, clearName string) Grant {
	r := t.ec.Realm
	vm := r.Runtime()
	return Grant{
		Values: map[string]goja.Value{
			setName:   r.Harden(vm.ToValue(t.set)),
			clearName: r.Harden(vm.ToValue(t.clear)),
		},
		Teardown: t.teardown,
	}
}

// TimeoutFactory produces setTimeout and clearTimeout.
func TimeoutFactory(minimum time.Duration) *Factory {
	return &Factory{
		Names: []string{"setTimeout", "clearTimeout"},
		Build: func(ec *Context) (Grant, error) {
			return newTimerSet(ec, minimum, false).grant("setTimeout", "clearTimeout"), nil
		},
	}
}

// IntervalFactory produces setInterval and clearInterval.
func IntervalFactory(minimum time.Duration) *Factory {
	return &Factory{
		Names: []string{"setInterval", "clearInterval"},
		Build: func(ec *Context) (Grant, error) {
			return newTimerSet(ec, minimum, true).grant("setInterval", "clearInterval"), nil
		},
	}
}
