// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/holomush/pluginexec/internal/endowment"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// Outbound sends requests over the rpc stream and waits for the answer.
// A remote error is returned as a *jsonrpc.Error.
type Outbound interface {
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Notification sources for the bridge objects.
const (
	SourceSnapRequest     = "snap.request"
	SourceProviderRequest = "ethereum.request"
)

// blockedMethods may not be called through either bridge object.
var blockedMethods = map[string]struct{}{
	"wallet_requestPermissions":  {},
	"wallet_revokePermissions":   {},
	"eth_sendRawTransaction":     {},
	"eth_sendTransaction":        {},
	"eth_signTypedData":          {},
	"eth_signTypedData_v1":       {},
	"eth_signTypedData_v3":       {},
	"eth_signTypedData_v4":       {},
	"eth_decrypt":                {},
	"eth_getEncryptionPublicKey": {},
	"wallet_addEthereumChain":    {},
	"wallet_switchEthereumChain": {},
	"wallet_watchAsset":          {},
	"wallet_registerOnboarding":  {},
	"wallet_scanQRCode":          {},
}

const (
	msgPrefixOnly = "The global Snap API only allows RPC methods starting with `wallet_*` and `snap_*`."
	msgBlocked    = "The method does not exist / is not available."
)

// methodCheck returns a rejection message, or "" when method is allowed.
type methodCheck func(method string) string

// checkSnapMethod admits application methods only.
func checkSnapMethod(method string) string {
	if !strings.HasPrefix(method, "wallet_") && !strings.HasPrefix(method, "snap_") {
		return msgPrefixOnly
	}
	if _, blocked := blockedMethods[method]; blocked {
		return msgBlocked
	}
	return ""
}

// checkProviderMethod admits everything but application methods.
func checkProviderMethod(method string) string {
	if strings.HasPrefix(method, "snap_") {
		return msgPrefixOnly
	}
	if _, blocked := blockedMethods[method]; blocked {
		return msgBlocked
	}
	return ""
}

// bridge backs the snap and ethereum objects of one plugin. Requests in
// flight are cancelled by teardown; late answers are dropped by the stamp.
type bridge struct {
	ec  *endowment.Context
	out Outbound

	mu       sync.Mutex
	next     int
	inflight map[int]context.CancelFunc
}

func newBridge(ec *endowment.Context, out Outbound) *bridge {
	return &bridge{ec: ec, out: out, inflight: make(map[int]context.CancelFunc)}
}

func (b *bridge) track(cancel context.CancelFunc) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.inflight[b.next] = cancel
	return b.next
}

func (b *bridge) finish(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.inflight[id]; ok {
		cancel()
		delete(b.inflight, id)
	}
}

func (b *bridge) teardown(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cancel := range b.inflight {
		cancel()
		delete(b.inflight, id)
	}
}

// object builds a hardened {request} object. Loop goroutine only.
func (b *bridge) object(source string, check methodCheck) goja.Value {
	r := b.ec.Realm
	vm := r.Runtime()
	obj := vm.NewObject()
	_ = obj.Set("request", func(call goja.FunctionCall) goja.Value {
		return b.request(source, check, call.Argument(0))
	})
	return r.Harden(obj)
}

func (b *bridge) request(source string, check methodCheck, arg goja.Value) goja.Value {
	r := b.ec.Realm
	vm := r.Runtime()
	d := r.NewDeferred()

	if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
		d.RejectTypeError("request arguments must be an object")
		return d.Promise
	}
	args := arg.ToObject(vm)
	method, ok := exportString(args.Get("method"))
	if !ok {
		d.RejectTypeError("request method must be a string")
		return d.Promise
	}
	if msg := check(method); msg != "" {
		d.Reject(r.NewError("", msg))
		return d.Promise
	}

	var params json.RawMessage
	if p := args.Get("params"); p != nil && !goja.IsUndefined(p) && !goja.IsNull(p) {
		raw, err := r.ToJSON(p)
		if err != nil {
			d.RejectTypeError(err.Error())
			return d.Promise
		}
		params = raw
	}

	stamp := b.ec.Stamp(source)
	ctx, cancel := context.WithCancel(context.Background())
	id := b.track(cancel)
	b.ec.Notify(endowment.MethodOutboundRequest, source)

	go func() {
		result, err := b.out.Request(ctx, method, params)
		b.finish(id)
		b.ec.Notify(endowment.MethodOutboundResponse, source)
		stamp.Deliver(func(*goja.Runtime) {
			if err != nil {
				d.Reject(b.rpcError(err))
				return
			}
			if len(result) == 0 {
				result = json.RawMessage("null")
			}
			v, perr := r.ParseJSON(result)
			if perr != nil {
				d.RejectError(perr)
				return
			}
			d.Resolve(v)
		}, nil)
	}()
	return d.Promise
}

func exportString(v goja.Value) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.Export().(string)
	return s, ok
}

// rpcError converts a remote failure into a realm Error carrying the remote
// code and data.
func (b *bridge) rpcError(err error) goja.Value {
	r := b.ec.Realm
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		return r.NewError("", err.Error())
	}
	e := r.NewError("", rpcErr.Message)
	_ = e.Set("code", rpcErr.Code)
	if rpcErr.Data != nil {
		if raw, merr := json.Marshal(rpcErr.Data); merr == nil {
			if v, perr := r.ParseJSON(raw); perr == nil {
				_ = e.Set("data", v)
			}
		}
	}
	return e
}
