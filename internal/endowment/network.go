// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/holomush/pluginexec/internal/realm"
)

// DefaultMaxBodyBytes caps a single fetch response body.
const DefaultMaxBodyBytes = 32 << 20

const maxRedirects = 10

// NetworkConfig configures the fetch endowment.
type NetworkConfig struct {
	// Client performs requests. Defaults to a client with no timeout;
	// cancellation is explicit.
	Client *http.Client
	// Egress restricts reachable hosts. Nil allows all.
	Egress *EgressPolicy
	// RequestsPerSecond limits each plugin's request rate. Zero disables.
	RequestsPerSecond float64
	// Burst is the limiter bucket size. Defaults to 1 when limited.
	Burst int
	// MaxBodyBytes caps response bodies. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// network is one plugin's fetch state.
type network struct {
	ec      *Context
	cfg     NetworkConfig
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	next     int
	inflight map[int]context.CancelFunc
	bodies   map[int]io.Closer
}

func newNetwork(ec *Context, cfg NetworkConfig) *network {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	n := &network{
		ec:       ec,
		cfg:      cfg,
		inflight: make(map[int]context.CancelFunc),
		bodies:   make(map[int]io.Closer),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	client := &http.Client{}
	if cfg.Client != nil {
		c := *cfg.Client
		client = &c
	}
	egress := cfg.Egress
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.New("too many redirects")
		}
		if !egress.Allow(req.URL.Hostname()) {
			return fmt.Errorf("redirect to %q is not permitted", req.URL.Hostname())
		}
		return nil
	}
	n.client = client
	return n
}

func (n *network) track(cancel context.CancelFunc) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.inflight[id] = cancel
	return id
}

func (n *network) trackBody(id int, body io.Closer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, live := n.inflight[id]; !live {
		_ = body.Close()
		return
	}
	n.bodies[id] = body
}

func (n *network) finish(id int) {
	n.mu.Lock()
	cancel := n.inflight[id]
	body := n.bodies[id]
	delete(n.inflight, id)
	delete(n.bodies, id)
	n.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// outstanding reports how many requests or bodies are open.
func (n *network) outstanding() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inflight)
}

func (n *network) teardown(context.Context) {
	n.mu.Lock()
	cancels := n.inflight
	bodies := n.bodies
	n.inflight = make(map[int]context.CancelFunc)
	n.bodies = make(map[int]io.Closer)
	n.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, body := range bodies {
		_ = body.Close()
	}
}

type fetchInit struct {
	method  string
	headers http.Header
	body    []byte
	signal  *abortState
}

func (n *network) parseInit(input, init goja.Value) (*url.URL, fetchInit, error) {
	opts := fetchInit{method: http.MethodGet, headers: http.Header{}}
	if input == nil || goja.IsUndefined(input) || goja.IsNull(input) {
		return nil, opts, errors.New("fetch requires a URL")
	}
	u, err := url.Parse(input.String())
	if err != nil || !u.IsAbs() {
		return nil, opts, fmt.Errorf("invalid URL %q", input.String())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, opts, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	obj, ok := init.(*goja.Object)
	if !ok {
		return u, opts, nil
	}
	if m := obj.Get("method"); m != nil && !goja.IsUndefined(m) {
		opts.method = strings.ToUpper(m.String())
	}
	if h, ok := obj.Get("headers").(*goja.Object); ok {
		for _, key := range h.Keys() {
			opts.headers.Set(key, h.Get(key).String())
		}
	}
	if b := obj.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
		if opts.method == http.MethodGet || opts.method == http.MethodHead {
			return nil, opts, errors.New("request with GET/HEAD method cannot have body")
		}
		if raw, ok := viewBytes(b); ok {
			opts.body = append([]byte(nil), raw...)
		} else {
			opts.body = []byte(b.String())
		}
	}
	if s := obj.Get("signal"); s != nil && !goja.IsUndefined(s) && !goja.IsNull(s) {
		state, ok := n.ec.signalState(s)
		if !ok {
			return nil, opts, errors.New("signal is not an AbortSignal")
		}
		opts.signal = state
	}
	return u, opts, nil
}

func (n *network) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return nil, oops.In("endowment").Wrap(err)
		}
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, oops.In("endowment").Wrap(err)
	}
	return resp, nil
}

func (n *network) fetch(call goja.FunctionCall) goja.Value {
	r := n.ec.Realm
	d := r.NewDeferred()

	u, opts, err := n.parseInit(call.Argument(0), call.Argument(1))
	if err != nil {
		d.RejectTypeError(err.Error())
		return d.Promise
	}
	if !n.cfg.Egress.Allow(u.Hostname()) {
		d.RejectTypeError(fmt.Sprintf("fetch to %q is not permitted", u.Hostname()))
		return d.Promise
	}
	if opts.signal != nil && opts.signal.aborted {
		d.Reject(opts.signal.reason)
		return d.Promise
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := n.track(cancel)
	removeHook := func() {}
	if opts.signal != nil {
		state := opts.signal
		removeHook = state.onAbort(func() {
			n.finish(id)
			d.Reject(state.reason)
		})
	}

	var body io.Reader
	if opts.body != nil {
		body = bytes.NewReader(opts.body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.method, u.String(), body)
	if err != nil {
		removeHook()
		n.finish(id)
		d.RejectTypeError(err.Error())
		return d.Promise
	}
	req.Header = opts.headers

	stamp := n.ec.Stamp("fetch")
	n.ec.Notify(MethodOutboundRequest, "fetch")
	go func() {
		resp, err := n.do(ctx, req)
		n.ec.Notify(MethodOutboundResponse, "fetch")
		release := func() {
			if resp != nil {
				_ = resp.Body.Close()
			}
			n.finish(id)
		}
		stamp.Deliver(func(*goja.Runtime) {
			removeHook()
			if d.Settled() {
				release()
				return
			}
			if err != nil {
				release()
				d.RejectTypeError("Failed to fetch: " + describeFetchError(err))
				return
			}
			n.trackBody(id, resp.Body)
			d.Resolve(n.response(id, u, resp))
		}, release)
	}()
	return d.Promise
}

func describeFetchError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}

func (n *network) response(id int, requested *url.URL, resp *http.Response) goja.Value {
	r := n.ec.Realm
	vm := r.Runtime()
	obj := vm.NewObject()

	final := requested.String()
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = obj.Set("status", resp.StatusCode)
	_ = obj.Set("statusText", statusText)
	_ = obj.Set("url", final)
	_ = obj.Set("redirected", final != requested.String())
	_ = obj.Set("type", "basic")
	_ = obj.Set("headers", n.headers(resp.Header))

	used := false
	_ = obj.DefineAccessorProperty("bodyUsed",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(used) }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	reader := func(convert func(b []byte) (goja.Value, error)) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			d := r.NewDeferred()
			if used {
				d.RejectTypeError("Body has already been consumed.")
				return d.Promise
			}
			used = true
			n.readBody(id, resp.Body, d, convert)
			return d.Promise
		}
	}
	_ = obj.Set("text", reader(func(b []byte) (goja.Value, error) {
		return vm.ToValue(string(b)), nil
	}))
	_ = obj.Set("json", reader(func(b []byte) (goja.Value, error) {
		return r.ParseJSON(b)
	}))
	_ = obj.Set("arrayBuffer", reader(func(b []byte) (goja.Value, error) {
		return newArrayBuffer(r, b), nil
	}))
	return r.Harden(obj)
}

func (n *network) headers(h http.Header) goja.Value {
	vm := n.ec.Realm.Runtime()
	obj := vm.NewObject()
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		values := h.Values(call.Argument(0).String())
		if len(values) == 0 {
			return goja.Null()
		}
		return vm.ToValue(strings.Join(values, ", "))
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(len(h.Values(call.Argument(0).String())) > 0)
	})
	_ = obj.Set("forEach", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("callback must be a function"))
		}
		for key, values := range h {
			if _, err := fn(goja.Undefined(), vm.ToValue(strings.Join(values, ", ")), vm.ToValue(strings.ToLower(key)), obj); err != nil {
				panic(err)
			}
		}
		return goja.Undefined()
	})
	return obj
}

func (n *network) readBody(id int, body io.Reader, d *realm.Deferred, convert func([]byte) (goja.Value, error)) {
	stamp := n.ec.Stamp("fetch.body")
	limit := n.cfg.MaxBodyBytes
	go func() {
		b, err := io.ReadAll(io.LimitReader(body, limit+1))
		n.finish(id)
		stamp.Deliver(func(vm *goja.Runtime) {
			switch {
			case err != nil:
				d.RejectTypeError("Failed to read body: " + err.Error())
			case int64(len(b)) > limit:
				d.RejectTypeError(fmt.Sprintf("response body exceeds %d bytes", limit))
			default:
				v, cerr := convert(b)
				if cerr != nil {
					d.Reject(namedError(vm, cerr.Error(), "SyntaxError"))
					return
				}
				d.Resolve(v)
			}
		}, nil)
	}()
}

// NetworkFactory produces fetch.
func NetworkFactory(cfg NetworkConfig) *Factory {
	return &Factory{
		Names: []string{"fetch"},
		Build: func(ec *Context) (Grant, error) {
			n := newNetwork(ec, cfg)
			r := ec.Realm
			return Grant{
				Values:   map[string]goja.Value{"fetch": r.Harden(r.Runtime().ToValue(n.fetch))},
				Teardown: n.teardown,
			}, nil
		},
	}
}
