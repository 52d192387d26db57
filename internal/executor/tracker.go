// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/pluginexec/internal/endowment"
	"github.com/holomush/pluginexec/internal/realm"
	"github.com/holomush/pluginexec/pkg/execerr"
)

// closeTimeout bounds how long termination waits for a realm loop to stop.
const closeTimeout = 5 * time.Second

// Evaluation is one in-flight piece of plugin work.
type Evaluation struct {
	ID      ulid.ULID
	Started time.Time

	done chan struct{}
	once sync.Once
}

func newEvaluation() *Evaluation {
	return &Evaluation{ID: ulid.Make(), Started: time.Now(), done: make(chan struct{})}
}

// cancel rejects the evaluation with a termination. Idempotent.
func (e *Evaluation) cancel() {
	e.once.Do(func() { close(e.done) })
}

// record is everything the executor knows about one loaded plugin.
type record struct {
	id      string
	realm   *realm.Realm
	ec      *endowment.Context
	counter atomic.Uint64

	mu          sync.Mutex
	loaded      bool
	exports     map[EntryPoint]goja.Callable
	teardowns   []endowment.TeardownFunc
	evaluations map[*Evaluation]struct{}
	terminated  bool
}

func newRecord(id string, r *realm.Realm) *record {
	return &record{
		id:          id,
		realm:       r,
		exports:     make(map[EntryPoint]goja.Callable),
		evaluations: make(map[*Evaluation]struct{}),
	}
}

// export returns entry point ep. ready is false until the program has been
// evaluated and its exports harvested.
func (rec *record) export(ep EntryPoint) (fn goja.Callable, ok, ready bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn, ok = rec.exports[ep]
	return fn, ok, rec.loaded
}

func (rec *record) setExports(exports map[EntryPoint]goja.Callable) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.exports = exports
	rec.loaded = true
}

func (rec *record) addTeardowns(tds ...endowment.TeardownFunc) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.teardowns = append(rec.teardowns, tds...)
}

func (rec *record) begin() (*Evaluation, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.terminated {
		return nil, execerr.Terminated(rec.id)
	}
	ev := newEvaluation()
	rec.evaluations[ev] = struct{}{}
	return ev, nil
}

// end removes ev. The last evaluation out tears the plugin down to idle.
func (rec *record) end(ev *Evaluation) {
	rec.mu.Lock()
	if _, ok := rec.evaluations[ev]; !ok {
		rec.mu.Unlock()
		return
	}
	delete(rec.evaluations, ev)
	if len(rec.evaluations) > 0 || rec.terminated {
		rec.mu.Unlock()
		return
	}
	// Teardown runs under the lock so no evaluation can start work that the
	// teardown would then cancel.
	rec.counter.Add(1)
	runTeardowns(rec.teardowns)
	rec.mu.Unlock()
	Teardowns.Inc()
}

func (rec *record) active() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.evaluations)
}

// terminate cancels every evaluation, interrupts running code and stops the
// realm. The record is unusable afterwards.
func (rec *record) terminate(ctx context.Context) error {
	rec.mu.Lock()
	if rec.terminated {
		rec.mu.Unlock()
		return nil
	}
	rec.terminated = true
	evs := make([]*Evaluation, 0, len(rec.evaluations))
	for ev := range rec.evaluations {
		evs = append(evs, ev)
	}
	clear(rec.evaluations)
	tds := append([]endowment.TeardownFunc(nil), rec.teardowns...)
	rec.mu.Unlock()

	for _, ev := range evs {
		ev.cancel()
	}
	rec.realm.Interrupt("plugin terminated")
	rec.counter.Add(1)
	runTeardowns(tds)

	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	return rec.realm.Close(ctx)
}

func runTeardowns(tds []endowment.TeardownFunc) {
	ctx := context.Background()
	for _, td := range tds {
		td(ctx)
	}
}

// Tracker owns the plugin records and the evaluations running in them.
// The zero value is not usable; create with NewTracker.
type Tracker struct {
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*record
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger, records: make(map[string]*record)}
}

func (t *Tracker) add(rec *record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.id] = rec
	PluginsLoaded.Set(float64(len(t.records)))
}

func (t *Tracker) get(id string) (*record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	return rec, ok
}

// remove drops rec if it is still the record registered under its id.
func (t *Tracker) remove(rec *record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.records[rec.id] != rec {
		return false
	}
	delete(t.records, rec.id)
	PluginsLoaded.Set(float64(len(t.records)))
	return true
}

// Has reports whether a record exists for id.
func (t *Tracker) Has(id string) bool {
	_, ok := t.get(id)
	return ok
}

// IDs returns the ids of every loaded plugin.
func (t *Tracker) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.records))
	for id := range t.records {
		out = append(out, id)
	}
	return out
}

// Terminate discards the record for id. A missing record is an
// UnknownPlugin error.
func (t *Tracker) Terminate(ctx context.Context, id string) error {
	rec, ok := t.get(id)
	if !ok {
		return execerr.UnknownPlugin(id)
	}
	return t.discard(ctx, rec)
}

// TerminateAll discards every record.
func (t *Tracker) TerminateAll(ctx context.Context) error {
	t.mu.RLock()
	recs := make([]*record, 0, len(t.records))
	for _, rec := range t.records {
		recs = append(recs, rec)
	}
	t.mu.RUnlock()

	var errs []error
	for _, rec := range recs {
		if err := t.discard(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return oops.In("executor").Join(errs...)
	}
	return nil
}

func (t *Tracker) discard(ctx context.Context, rec *record) error {
	if !t.remove(rec) {
		return nil
	}
	Terminations.Inc()
	t.logger.Debug("terminating plugin", "plugin", rec.id)
	if err := rec.terminate(ctx); err != nil {
		return oops.In("executor").With("plugin_id", rec.id).Hint("realm did not stop").Wrap(err)
	}
	return nil
}

// RunInContext runs thunk as an evaluation of pluginID. It returns the
// thunk's result, a Terminated error when the plugin is terminated first,
// or the context error when ctx ends first. The thunk's context is
// cancelled once RunInContext returns.
func RunInContext[T any](ctx context.Context, t *Tracker, pluginID string, thunk func(context.Context) (T, error)) (T, error) {
	var zero T
	rec, ok := t.get(pluginID)
	if !ok {
		return zero, execerr.UnknownPlugin(pluginID)
	}
	return runIn(ctx, rec, thunk)
}

func runIn[T any](ctx context.Context, rec *record, thunk func(context.Context) (T, error)) (T, error) {
	var zero T
	ev, err := rec.begin()
	if err != nil {
		return zero, err
	}
	defer rec.end(ev)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	go func() {
		v, err := thunk(ctx)
		results <- result{value: v, err: err}
	}()

	select {
	case res := <-results:
		return res.value, res.err
	case <-ev.done:
		return zero, execerr.Terminated(rec.id)
	case <-ctx.Done():
		return zero, oops.In("executor").With("plugin_id", rec.id).Wrap(ctx.Err())
	}
}
