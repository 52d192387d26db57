// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package endowment builds the capability set injected into a plugin realm.
//
// A Registry is an immutable catalog of factories. Resolving a list of
// names against it follows a fixed order:
//
//  1. a registered factory, built at most once per plugin, contributing
//     every name it produces
//  2. the literal provider name, bound to the caller-supplied provider
//  3. a host global, hardened, with non-constructor functions rebound to
//     the global object as receiver
//  4. otherwise the load fails with an unknown-endowment error
package endowment

import (
	"context"
	"sort"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/holomush/pluginexec/pkg/execerr"
)

// Names of the application bridge objects.
const (
	SnapName     = "snap"
	ProviderName = "ethereum"
)

// TeardownFunc cancels pending work. It must be idempotent and must leave
// the capability usable for a later invocation.
type TeardownFunc func(ctx context.Context)

// Grant is what one factory build produces.
type Grant struct {
	Values   map[string]goja.Value
	Teardown TeardownFunc
}

// Factory produces one or more named capabilities. Build runs on the realm
// loop at most once per plugin.
type Factory struct {
	Names []string
	Build func(ec *Context) (Grant, error)
}

// Registry is an immutable collection of endowment factories.
type Registry struct {
	factories map[string]*Factory
	names     []string
}

type registryBuilder struct {
	factories map[string]*Factory
	errors    []error
}

// Option configures a Registry.
type Option func(*registryBuilder)

// NewRegistry creates an immutable Registry. It returns an error if any
// name is registered twice.
//
//	registry, err := endowment.NewRegistry(
//	    endowment.WithBuiltins(endowment.Config{}),
//	    endowment.WithFactory(custom),
//	)
func NewRegistry(opts ...Option) (*Registry, error) {
	b := &registryBuilder{factories: make(map[string]*Factory)}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{factories: b.factories, names: names}, nil
}

func (b *registryBuilder) add(f *Factory) error {
	if f == nil || f.Build == nil || len(f.Names) == 0 {
		return oops.In("endowment").Errorf("factory must have names and a build function")
	}
	for _, name := range f.Names {
		if name == "" {
			return oops.In("endowment").Errorf("endowment name cannot be empty")
		}
		if name == SnapName || name == ProviderName {
			return oops.In("endowment").With("endowment", name).Errorf("reserved endowment name %q", name)
		}
		if _, exists := b.factories[name]; exists {
			return oops.In("endowment").With("endowment", name).Errorf("duplicate endowment name %q", name)
		}
	}
	for _, name := range f.Names {
		b.factories[name] = f
	}
	return nil
}

// WithFactory registers f under each of its names.
func WithFactory(f *Factory) Option {
	return func(b *registryBuilder) {
		if err := b.add(f); err != nil {
			b.errors = append(b.errors, err)
		}
	}
}

// WithFactories registers several factories.
func WithFactories(fs ...*Factory) Option {
	return func(b *registryBuilder) {
		for _, f := range fs {
			if err := b.add(f); err != nil {
				b.errors = append(b.errors, err)
			}
		}
	}
}

// Has reports whether a factory produces name.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the sorted names the registry can produce.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Set is the resolved mapping of name to capability for one realm.
type Set struct {
	names  []string
	values map[string]goja.Value
}

func newSet() *Set {
	return &Set{values: make(map[string]goja.Value)}
}

func (s *Set) put(name string, v goja.Value) {
	if _, exists := s.values[name]; !exists {
		s.names = append(s.names, name)
	}
	s.values[name] = v
}

// Names returns the capability names in resolution order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Get returns the capability bound to name.
func (s *Set) Get(name string) (goja.Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Inject defines every capability on obj.
func (s *Set) Inject(obj *goja.Object) error {
	for _, name := range s.names {
		if err := obj.Set(name, s.values[name]); err != nil {
			return oops.In("endowment").With("endowment", name).Wrap(err)
		}
	}
	return nil
}

// Resolve builds the capability set for names. It runs on the realm loop
// before plugin code is evaluated. The returned teardowns are in factory
// build order.
func (r *Registry) Resolve(ec *Context, names []string) (*Set, []TeardownFunc, error) {
	set := newSet()
	var teardowns []TeardownFunc
	built := make(map[*Factory]bool)

	if ec.Snap != nil {
		set.put(SnapName, ec.Snap)
	}

	for _, name := range names {
		if _, done := set.Get(name); done {
			continue
		}

		if f, ok := r.factories[name]; ok {
			if built[f] {
				continue
			}
			built[f] = true
			grant, err := f.Build(ec)
			if err != nil {
				return nil, nil, oops.In("endowment").With("endowment", name).With("plugin_id", ec.PluginID).
					Hint("endowment factory failed").Wrap(err)
			}
			for _, produced := range f.Names {
				if v, ok := grant.Values[produced]; ok {
					set.put(produced, v)
				}
			}
			if grant.Teardown != nil {
				teardowns = append(teardowns, grant.Teardown)
			}
			continue
		}

		if name == ProviderName && ec.Provider != nil {
			set.put(name, ec.Provider)
			continue
		}

		v, err := hostGlobal(ec, name)
		if err != nil {
			return nil, nil, err
		}
		set.put(name, v)
	}
	return set, teardowns, nil
}

func hostGlobal(ec *Context, name string) (goja.Value, error) {
	r := ec.Realm
	v, ok := r.HostGlobal(name)
	if !ok {
		v = r.Global().Get(name)
		if v == nil || goja.IsUndefined(v) {
			return nil, execerr.UnknownEndowment(name)
		}
	}
	v = r.Harden(v)
	if _, callable := goja.AssertFunction(v); callable && !r.IsConstructor(v) {
		bound, err := r.Bind(v, r.Global())
		if err != nil {
			return nil, oops.In("endowment").With("endowment", name).Wrap(err)
		}
		return bound, nil
	}
	return v, nil
}
