// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package realm provides the isolated evaluation primitive plugins run in.
//
// A Realm is one goja runtime whose intrinsics are frozen at creation, with
// the clock and entropy sources tamed and the binary-buffer globals removed
// from the global object. Every touch of the runtime happens on the realm's
// own loop goroutine; other goroutines submit jobs.
package realm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// DefaultMaxCallStackSize bounds JS recursion depth.
const DefaultMaxCallStackSize = 4096

// StrippedGlobals are removed from every fresh realm. They are re-exposed,
// hardened, only when a plugin is granted them by name.
var StrippedGlobals = []string{
	"ArrayBuffer",
	"SharedArrayBuffer",
	"DataView",
	"Int8Array",
	"Uint8Array",
	"Uint8ClampedArray",
	"Int16Array",
	"Uint16Array",
	"Int32Array",
	"Uint32Array",
	"Float32Array",
	"Float64Array",
	"BigInt64Array",
	"BigUint64Array",
}

// Job is a unit of work run on the realm loop.
type Job func(vm *goja.Runtime)

// Options configures a realm.
type Options struct {
	// ID names the plugin the realm belongs to.
	ID string
	// Logger receives loop diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// MaxCallStackSize bounds recursion. Zero uses DefaultMaxCallStackSize.
	MaxCallStackSize int
	// OnUnhandled receives rejections nobody observed and errors thrown by
	// host-scheduled callbacks. It runs on the loop goroutine.
	OnUnhandled func(cause *jsonrpc.Error)
}

type helpers struct {
	harden         goja.Callable
	toSafeJSON     goja.Callable
	deferred       goja.Callable
	settle         goja.Callable
	bind           goja.Callable
	opaque         goja.Callable
	isConstructor  goja.Callable
	parseJSON      goja.Callable
	describeThrown goja.Callable
	realDate       goja.Value
	realMath       goja.Value
}

// Realm is one plugin's isolated global environment.
type Realm struct {
	id          string
	vm          *goja.Runtime
	logger      *slog.Logger
	help        helpers
	hostGlobals map[string]goja.Value
	onUnhandled func(cause *jsonrpc.Error)

	// rejected is owned by the loop goroutine.
	rejected map[*goja.Promise]struct{}

	mu      sync.Mutex
	queue   []Job
	closed  bool
	closers []func()
	wake    chan struct{}
	done    chan struct{}
}

// New creates a locked-down realm and starts its loop.
func New(opts Options) (*Realm, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stack := opts.MaxCallStackSize
	if stack <= 0 {
		stack = DefaultMaxCallStackSize
	}

	r := &Realm{
		id:          opts.ID,
		vm:          goja.New(),
		logger:      logger.With("plugin", opts.ID),
		hostGlobals: make(map[string]goja.Value),
		onUnhandled: opts.OnUnhandled,
		rejected:    make(map[*goja.Promise]struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	r.vm.SetMaxCallStackSize(stack)
	r.vm.SetPromiseRejectionTracker(r.trackRejection)

	if err := r.lockdown(); err != nil {
		return nil, oops.In("realm").With("plugin_id", opts.ID).Hint("lockdown failed").Wrap(err)
	}

	go r.loop()
	return r, nil
}

func (r *Realm) lockdown() error {
	global := r.vm.GlobalObject()
	for _, name := range StrippedGlobals {
		v := global.Get(name)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		r.hostGlobals[name] = v
	}

	fnVal, err := r.vm.RunScript("lockdown.js", lockdownSource)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return oops.Errorf("lockdown script did not evaluate to a function")
	}
	out, err := fn(goja.Undefined(), global)
	if err != nil {
		return err
	}
	obj := out.ToObject(r.vm)

	callables := map[string]*goja.Callable{
		"harden":         &r.help.harden,
		"toSafeJSON":     &r.help.toSafeJSON,
		"deferred":       &r.help.deferred,
		"settle":         &r.help.settle,
		"bind":           &r.help.bind,
		"opaque":         &r.help.opaque,
		"isConstructor":  &r.help.isConstructor,
		"parseJSON":      &r.help.parseJSON,
		"describeThrown": &r.help.describeThrown,
	}
	for name, dst := range callables {
		c, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return oops.With("helper", name).Errorf("lockdown helper missing")
		}
		*dst = c
	}
	r.help.realDate = obj.Get("realDate")
	r.help.realMath = obj.Get("realMath")

	for name := range r.hostGlobals {
		if err := global.Delete(name); err != nil {
			return oops.With("global", name).Wrap(err)
		}
	}
	return nil
}

// ID returns the plugin id the realm belongs to.
func (r *Realm) ID() string { return r.id }

// Logger returns the realm's plugin-scoped logger.
func (r *Realm) Logger() *slog.Logger { return r.logger }

// Done is closed once the loop has stopped.
func (r *Realm) Done() <-chan struct{} { return r.done }

// Submit queues job on the loop. It reports false when the realm is closed.
// Safe for concurrent use.
func (r *Realm) Submit(job Job) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, job)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes fn on the loop and waits for it.
func (r *Realm) Run(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	errCh := make(chan error, 1)
	if !r.Submit(func(vm *goja.Runtime) { errCh <- fn(vm) }) {
		return errClosed(r.id)
	}
	select {
	case err := <-errCh:
		return err
	case <-r.done:
		select {
		case err := <-errCh:
			return err
		default:
			return errClosed(r.id)
		}
	case <-ctx.Done():
		return oops.In("realm").With("plugin_id", r.id).Wrap(ctx.Err())
	}
}

// OnClose registers fn to run once when the realm closes. Closers run while
// the loop winds down and must not touch the runtime.
func (r *Realm) OnClose(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		go fn()
		return
	}
	r.closers = append(r.closers, fn)
}

// Interrupt aborts whatever JS is currently running. Safe for concurrent use.
func (r *Realm) Interrupt(reason string) {
	r.vm.Interrupt(reason)
}

// Close stops the loop, interrupting running JS, and waits for the loop to
// exit or ctx to end. Closing twice is a no-op.
func (r *Realm) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.wait(ctx)
	}
	r.closed = true
	closers := r.closers
	r.closers = nil
	r.queue = nil
	r.mu.Unlock()

	r.vm.Interrupt("realm closed")
	select {
	case r.wake <- struct{}{}:
	default:
	}
	for _, fn := range closers {
		fn()
	}
	return r.wait(ctx)
}

func (r *Realm) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return oops.In("realm").With("plugin_id", r.id).Hint("loop did not stop").Wrap(ctx.Err())
	}
}

func (r *Realm) loop() {
	defer close(r.done)
	for {
		jobs, ok := r.take()
		if !ok {
			return
		}
		for _, job := range jobs {
			if r.isClosed() {
				return
			}
			r.runJob(job)
		}
	}
}

func (r *Realm) take() ([]Job, bool) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, false
		}
		if len(r.queue) > 0 {
			jobs := r.queue
			r.queue = nil
			r.mu.Unlock()
			return jobs, true
		}
		r.mu.Unlock()
		<-r.wake
	}
}

func (r *Realm) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Realm) runJob(job Job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("realm job panicked", "panic", p)
		}
		r.flushRejections()
	}()
	job(r.vm)
}

func (r *Realm) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		r.rejected[p] = struct{}{}
	case goja.PromiseRejectionHandle:
		delete(r.rejected, p)
	}
}

func (r *Realm) flushRejections() {
	if len(r.rejected) == 0 {
		return
	}
	pending := r.rejected
	r.rejected = make(map[*goja.Promise]struct{})
	for p := range pending {
		r.ReportUnhandled(r.Describe(p.Result()))
	}
}

// ReportUnhandled forwards an out-of-band failure. Loop goroutine only.
func (r *Realm) ReportUnhandled(cause *jsonrpc.Error) {
	if r.onUnhandled == nil {
		r.logger.Warn("unhandled plugin error", "message", cause.Message)
		return
	}
	r.onUnhandled(cause)
}

func errClosed(id string) error {
	return oops.In("realm").Code("REALM_CLOSED").With("plugin_id", id).Errorf("realm for plugin %q is closed", id)
}

// IsClosed reports whether err came from submitting to a closed realm.
func IsClosed(err error) bool {
	if oopsErr, ok := oops.AsOops(err); ok {
		code, _ := any(oopsErr.Code()).(string)
		return code == "REALM_CLOSED"
	}
	return false
}
