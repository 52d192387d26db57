// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package executor loads plugin programs into realms and invokes their
// entry points. Each loaded plugin has a record owned by the Tracker; every
// piece of work done inside a plugin runs as a tracked evaluation, and the
// plugin is torn down to idle whenever its last evaluation ends.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/pluginexec/internal/endowment"
	"github.com/holomush/pluginexec/internal/realm"
	"github.com/holomush/pluginexec/pkg/errutil"
	"github.com/holomush/pluginexec/pkg/execerr"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

var tracer = otel.Tracer("pluginexec/executor")

// realmAliases are bound to the global object in every realm.
var realmAliases = []string{"self", "window", "global", "globalThis"}

// Options configures an Executor.
type Options struct {
	// Registry resolves endowment names. Defaults to the built-ins.
	Registry *endowment.Registry
	// Outbound carries snap.request and ethereum.request calls.
	Outbound Outbound
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Notifier receives OutboundRequest/OutboundResponse notifications.
	Notifier endowment.Notifier
	// OnUnhandled receives errors no plugin code observed. It must not block.
	OnUnhandled func(pluginID string, cause *jsonrpc.Error)
	// Clock drives timers and Date. Defaults to the wall clock.
	Clock endowment.Clock
	// MaxCallStackSize bounds plugin recursion.
	MaxCallStackSize int
}

// Executor is the realm manager. It is safe for concurrent use.
type Executor struct {
	registry    *endowment.Registry
	outbound    Outbound
	logger      *slog.Logger
	notifier    endowment.Notifier
	onUnhandled func(pluginID string, cause *jsonrpc.Error)
	clock       endowment.Clock
	maxStack    int

	tracker *Tracker
	loads   keyedMutex
}

// New creates an Executor.
func New(opts Options) (*Executor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		var err error
		registry, err = endowment.NewRegistry(endowment.WithBuiltins(endowment.Config{}))
		if err != nil {
			return nil, oops.In("executor").Hint("building default endowments").Wrap(err)
		}
	}
	outbound := opts.Outbound
	if outbound == nil {
		outbound = noOutbound{}
	}
	e := &Executor{
		registry:    registry,
		outbound:    outbound,
		logger:      logger,
		notifier:    opts.Notifier,
		onUnhandled: opts.OnUnhandled,
		clock:       opts.Clock,
		maxStack:    opts.MaxCallStackSize,
		tracker:     NewTracker(logger),
	}
	return e, nil
}

// Tracker returns the executor's evaluation tracker.
func (e *Executor) Tracker() *Tracker { return e.tracker }

// Load evaluates program as pluginID with the named endowments. Loading an
// id that is already loaded terminates the old plugin first; concurrent
// loads of one id run one after the other. On failure no trace of the
// plugin remains.
func (e *Executor) Load(ctx context.Context, pluginID, program string, endowments []string) (err error) {
	ctx, span := tracer.Start(ctx, "executor.load",
		trace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.Int("plugin.endowments", len(endowments)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := e.loads.lock(pluginID)
	defer unlock()

	if e.tracker.Has(pluginID) {
		e.logger.Debug("replacing loaded plugin", "plugin", pluginID)
		if terr := e.tracker.Terminate(ctx, pluginID); terr != nil {
			errutil.LogError(e.logger, "terminating replaced plugin", terr)
		}
	}

	if err := e.load(ctx, pluginID, program, endowments); err != nil {
		return execerr.Load(pluginID, err)
	}
	e.logger.Info("plugin loaded", "plugin", pluginID, "endowments", len(endowments))
	return nil
}

func (e *Executor) load(ctx context.Context, pluginID, program string, names []string) error {
	r, err := realm.New(realm.Options{
		ID:               pluginID,
		Logger:           e.logger,
		MaxCallStackSize: e.maxStack,
		OnUnhandled:      func(cause *jsonrpc.Error) { e.unhandled(pluginID, cause) },
	})
	if err != nil {
		return err
	}

	rec := newRecord(pluginID, r)
	rec.ec = &endowment.Context{
		Realm:    r,
		PluginID: pluginID,
		Logger:   r.Logger(),
		Notifier: e.notifier,
		Clock:    e.clock,
		Counter:  &rec.counter,
		OnStale:  func(source string) { StaleResults.WithLabelValues(source).Inc() },
	}
	e.tracker.add(rec)

	if err := e.evaluate(ctx, rec, program, names); err != nil {
		if e.tracker.remove(rec) {
			if cerr := rec.terminate(context.WithoutCancel(ctx)); cerr != nil {
				errutil.LogError(e.logger, "discarding failed plugin", cerr)
			}
		}
		return err
	}
	return nil
}

func (e *Executor) evaluate(ctx context.Context, rec *record, program string, names []string) error {
	r := rec.realm
	var module *goja.Object

	err := r.Run(ctx, func(vm *goja.Runtime) error {
		br := newBridge(rec.ec, e.outbound)
		rec.ec.Snap = br.object(SourceSnapRequest, checkSnapMethod)
		if slices.Contains(names, endowment.ProviderName) {
			rec.ec.Provider = br.object(SourceProviderRequest, checkProviderMethod)
		}

		set, teardowns, err := e.registry.Resolve(rec.ec, names)
		if err != nil {
			return err
		}
		rec.addTeardowns(append(teardowns, br.teardown)...)

		global := r.Global()
		if err := set.Inject(global); err != nil {
			return err
		}
		module = vm.NewObject()
		exports := vm.NewObject()
		if err := module.Set("exports", exports); err != nil {
			return err
		}
		if err := global.Set("module", module); err != nil {
			return err
		}
		if err := global.Set("exports", exports); err != nil {
			return err
		}
		for _, alias := range realmAliases {
			if err := global.Set(alias, global); err != nil {
				return oops.In("executor").With("alias", alias).Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = runIn(ctx, rec, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.Run(ctx, func(vm *goja.Runtime) error {
			_, err := vm.RunScript(rec.id, program)
			return r.Cause(err)
		})
	})
	if err != nil {
		return err
	}

	return r.Run(ctx, func(vm *goja.Runtime) error {
		exports, err := harvest(vm, module)
		if err != nil {
			return r.Cause(err)
		}
		if len(exports) == 0 {
			return execerr.NoValidExports(rec.id)
		}
		rec.setExports(exports)
		return nil
	})
}

// harvest keeps the module exports that are valid entry points.
func harvest(vm *goja.Runtime, module *goja.Object) (map[EntryPoint]goja.Callable, error) {
	found := make(map[EntryPoint]goja.Callable)
	ex := vm.Try(func() {
		v := module.Get("exports")
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return
		}
		obj := v.ToObject(vm)
		for _, ep := range AllEntryPoints() {
			candidate := obj.Get(string(ep))
			if candidate == nil || !entrySpecs[ep].validate(candidate) {
				continue
			}
			fn, _ := goja.AssertFunction(candidate)
			found[ep] = fn
		}
	})
	if ex != nil {
		return nil, ex
	}
	return found, nil
}

// Invoke calls entry point ep of pluginID and returns its plain-data result.
func (e *Executor) Invoke(ctx context.Context, pluginID string, ep EntryPoint, origin string, request json.RawMessage) (result json.RawMessage, err error) {
	ctx, span := tracer.Start(ctx, "executor.invoke",
		trace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.String("plugin.entry_point", string(ep)),
		),
	)
	start := time.Now()
	defer func() {
		recordInvocation(ep, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec, ok := e.tracker.get(pluginID)
	if !ok {
		return nil, execerr.UnknownPlugin(pluginID)
	}
	// A plugin still evaluating its program is not yet known to callers.
	fn, ok, ready := rec.export(ep)
	if !ready {
		return nil, execerr.UnknownPlugin(pluginID)
	}
	if !ok {
		if ep.Mandatory() {
			return nil, execerr.MethodNotFound("plugin %q does not export %q", pluginID, string(ep))
		}
		return json.RawMessage("null"), nil
	}
	args, err := ep.Args(origin, request)
	if err != nil {
		return nil, err
	}

	return runIn(ctx, rec, func(ctx context.Context) (json.RawMessage, error) {
		r := rec.realm
		outcome := r.Call(func(*goja.Runtime) (goja.Value, error) {
			arg, err := r.ParseJSON(args)
			if err != nil {
				return nil, err
			}
			return fn(goja.Undefined(), arg)
		})
		select {
		case o := <-outcome:
			if realm.IsClosed(o.Err) {
				return nil, execerr.Terminated(pluginID)
			}
			return o.Value, o.Err
		case <-r.Done():
			return nil, execerr.Terminated(pluginID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Terminate discards pluginID.
func (e *Executor) Terminate(ctx context.Context, pluginID string) error {
	return e.tracker.Terminate(ctx, pluginID)
}

// TerminateAll discards every plugin.
func (e *Executor) TerminateAll(ctx context.Context) error {
	return e.tracker.TerminateAll(ctx)
}

// Loaded reports whether pluginID has a record, including one still
// evaluating its program.
func (e *Executor) Loaded(pluginID string) bool {
	return e.tracker.Has(pluginID)
}

func (e *Executor) unhandled(pluginID string, cause *jsonrpc.Error) {
	if e.onUnhandled == nil {
		e.logger.Warn("unhandled plugin error", "plugin", pluginID, "message", cause.Message)
		return
	}
	e.onUnhandled(pluginID, cause)
}

type noOutbound struct{}

func (noOutbound) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternal, Message: "no rpc stream is attached"}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
