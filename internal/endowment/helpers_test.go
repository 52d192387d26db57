// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/pluginexec/internal/realm"
	"github.com/holomush/pluginexec/pkg/execerr"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock fires timers only when told to.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// FireAll runs every pending timer once, in scheduling order.
func (c *fakeClock) FireAll() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

// Delays returns the delay of every timer scheduled so far.
func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.delay
	}
	return out
}

// Pending counts timers neither stopped nor fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// recorder captures notifications, stale drops and unhandled errors.
type recorder struct {
	mu        sync.Mutex
	notes     []string
	stale     []string
	unhandled []*jsonrpc.Error
}

func (r *recorder) Notify(method string, params any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := params.(OutboundParams)
	r.notes = append(r.notes, method+":"+p.Source)
}

func (r *recorder) Notes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

func (r *recorder) Stale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stale...)
}

func (r *recorder) Unhandled() []*jsonrpc.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*jsonrpc.Error(nil), r.unhandled...)
}

type harness struct {
	ec      *Context
	realm   *realm.Realm
	clock   *fakeClock
	counter *atomic.Uint64
	rec     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	r, err := realm.New(realm.Options{
		ID: "npm:test",
		OnUnhandled: func(cause *jsonrpc.Error) {
			rec.mu.Lock()
			rec.unhandled = append(rec.unhandled, cause)
			rec.mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Close(ctx))
	})

	h := &harness{realm: r, clock: newFakeClock(), counter: &atomic.Uint64{}, rec: rec}
	h.ec = &Context{
		Realm:    r,
		PluginID: "npm:test",
		Notifier: rec,
		Clock:    h.clock,
		Counter:  h.counter,
		OnStale: func(source string) {
			rec.mu.Lock()
			rec.stale = append(rec.stale, source)
			rec.mu.Unlock()
		},
	}
	return h
}

// resolve builds names against reg and injects them into the global object.
func (h *harness) resolve(t *testing.T, reg *Registry, names ...string) (*Set, []TeardownFunc) {
	t.Helper()
	var set *Set
	var teardowns []TeardownFunc
	err := h.realm.Run(context.Background(), func(*goja.Runtime) error {
		var err error
		set, teardowns, err = reg.Resolve(h.ec, names)
		if err != nil {
			return err
		}
		return set.Inject(h.realm.Global())
	})
	require.NoError(t, err)
	return set, teardowns
}

// teardown advances the counter and runs teardowns, as the tracker does
// when a plugin goes idle.
func (h *harness) teardown(teardowns []TeardownFunc) {
	h.counter.Add(1)
	for _, td := range teardowns {
		td(context.Background())
	}
}

func (h *harness) call(src string) <-chan realm.Outcome {
	return h.realm.Call(func(vm *goja.Runtime) (goja.Value, error) {
		return vm.RunString(src)
	})
}

// eval runs src, awaits its value and returns the JSON encoding.
func (h *harness) eval(t *testing.T, src string) string {
	t.Helper()
	select {
	case out := <-h.call(src):
		require.NoError(t, out.Err)
		return string(out.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation did not settle")
		return ""
	}
}

// evalErr runs src and returns the error it settles with.
func (h *harness) evalErr(t *testing.T, src string) error {
	t.Helper()
	select {
	case out := <-h.call(src):
		require.Error(t, out.Err)
		return out.Err
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation did not settle")
		return nil
	}
}

// evalInto decodes the JSON result of src into v.
func (h *harness) evalInto(t *testing.T, src string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(h.eval(t, src)), v))
}

func mustRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	reg, err := NewRegistry(opts...)
	require.NoError(t, err)
	return reg
}

// thrown returns the message of the plugin-side value err carries.
func thrown(t *testing.T, err error) string {
	t.Helper()
	var pe *execerr.PluginError
	require.ErrorAs(t, err, &pe)
	return pe.Cause.Message
}
