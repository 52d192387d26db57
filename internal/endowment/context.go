// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"context"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/holomush/pluginexec/internal/logging"
	"github.com/holomush/pluginexec/internal/realm"
)

// Counter exposes a plugin's teardown counter. *atomic.Uint64 satisfies it.
type Counter interface {
	Load() uint64
}

// Notifier receives best-effort side-channel notifications. Notify must not
// block.
type Notifier interface {
	Notify(method string, params any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(method string, params any)

// Notify implements Notifier.
func (f NotifierFunc) Notify(method string, params any) { f(method, params) }

// Notification methods emitted around calls that leave the realm.
const (
	MethodOutboundRequest  = "OutboundRequest"
	MethodOutboundResponse = "OutboundResponse"
)

// OutboundParams is the payload of outbound notifications.
type OutboundParams struct {
	Source string `json:"source"`
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock is the time source used by timers and the Date endowment.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Context carries what factories build capabilities from. One Context
// exists per plugin.
type Context struct {
	Realm    *realm.Realm
	PluginID string
	Logger   *slog.Logger
	Notifier Notifier
	Clock    Clock
	Counter  Counter

	// Snap is the restricted application bridge, always injected.
	Snap goja.Value
	// Provider is the low-level provider, injected only when requested.
	Provider goja.Value

	// OnStale observes async results dropped after a teardown.
	OnStale func(source string)

	signals map[*goja.Object]*abortState
}

// Notify emits an outbound notification if a notifier is attached.
func (c *Context) Notify(method, source string) {
	if c.Notifier == nil {
		return
	}
	c.Notifier.Notify(method, OutboundParams{Source: source})
}

// LogContext returns a context attributing log records to the plugin.
func (c *Context) LogContext() context.Context {
	return logging.WithPlugin(context.Background(), c.PluginID)
}

func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Context) clock() Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return SystemClock
}

// Stamp records the teardown counter at the start of an async operation.
type Stamp struct {
	ctx    *Context
	at     uint64
	source string
}

// Stamp captures the current teardown counter for source.
func (c *Context) Stamp(source string) Stamp {
	var at uint64
	if c.Counter != nil {
		at = c.Counter.Load()
	}
	return Stamp{ctx: c, at: at, source: source}
}

// Current reports whether no teardown has happened since the stamp.
func (s Stamp) Current() bool {
	if s.ctx.Counter == nil {
		return true
	}
	return s.ctx.Counter.Load() == s.at
}

// Deliver runs job on the realm loop unless a teardown happened since the
// stamp was taken, in which case the result is dropped and logged. discard,
// when set, runs instead of job for dropped results and when the realm is
// already closed, so callers can release what the result holds. Safe for
// concurrent use.
func (s Stamp) Deliver(job realm.Job, discard func()) {
	ok := s.ctx.Realm.Submit(func(vm *goja.Runtime) {
		if !s.Current() {
			s.ctx.logger().Debug("dropping late result received after teardown",
				"plugin", s.ctx.PluginID, "source", s.source)
			if s.ctx.OnStale != nil {
				s.ctx.OnStale(s.source)
			}
			if discard != nil {
				discard()
			}
			return
		}
		job(vm)
	})
	if !ok && discard != nil {
		discard()
	}
}
