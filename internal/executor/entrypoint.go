// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package executor

import (
	"encoding/json"
	"sort"

	"github.com/dop251/goja"

	"github.com/holomush/pluginexec/pkg/execerr"
)

// EntryPoint names a handler a plugin may export.
type EntryPoint string

// Recognized entry points.
const (
	OnRPCRequest     EntryPoint = "onRpcRequest"
	OnTransaction    EntryPoint = "onTransaction"
	OnCronjob        EntryPoint = "onCronjob"
	OnInstall        EntryPoint = "onInstall"
	OnUpdate         EntryPoint = "onUpdate"
	OnStart          EntryPoint = "onStart"
	OnNameLookup     EntryPoint = "onNameLookup"
	OnKeyringRequest EntryPoint = "onKeyringRequest"
	OnHomePage       EntryPoint = "onHomePage"
	OnSettingsPage   EntryPoint = "onSettingsPage"
	OnSignature      EntryPoint = "onSignature"
	OnUserInput      EntryPoint = "onUserInput"
)

type entrySpec struct {
	// mandatory entry points answer MethodNotFound when the export is
	// missing; the rest answer null without invoking anything.
	mandatory bool
	validate  func(v goja.Value) bool
	args      func(origin string, req requestShape) (map[string]json.RawMessage, error)
}

// requestShape is the part of an invocation request the argument builders
// read from.
type requestShape struct {
	raw    json.RawMessage
	params json.RawMessage
}

func parseRequest(raw json.RawMessage) requestShape {
	shape := requestShape{raw: raw}
	if len(raw) == 0 {
		shape.raw = json.RawMessage("null")
		return shape
	}
	var outer struct {
		Params json.RawMessage `json:"params"`
	}
	if json.Unmarshal(raw, &outer) == nil {
		shape.params = outer.Params
	}
	return shape
}

// pick copies keys out of the request params, which must be an object.
func (r requestShape) pick(keys ...string) (map[string]json.RawMessage, error) {
	var params map[string]json.RawMessage
	if len(r.params) > 0 && string(r.params) != "null" {
		if err := json.Unmarshal(r.params, &params); err != nil {
			return nil, execerr.InvalidParams("request params must be an object")
		}
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := params[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func quoted(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func isCallable(v goja.Value) bool {
	_, ok := goja.AssertFunction(v)
	return ok
}

func originAndRequest(origin string, req requestShape) (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{"origin": quoted(origin), "request": req.raw}, nil
}

func originOnly(origin string, _ requestShape) (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{"origin": quoted(origin)}, nil
}

func noArgs(string, requestShape) (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{}, nil
}

func paramsOf(keys ...string) func(string, requestShape) (map[string]json.RawMessage, error) {
	return func(_ string, req requestShape) (map[string]json.RawMessage, error) {
		return req.pick(keys...)
	}
}

var entrySpecs = map[EntryPoint]entrySpec{
	OnRPCRequest:     {mandatory: true, validate: isCallable, args: originAndRequest},
	OnKeyringRequest: {mandatory: true, validate: isCallable, args: originAndRequest},
	OnTransaction:    {mandatory: true, validate: isCallable, args: paramsOf("transaction", "chainId", "transactionOrigin")},
	OnSignature:      {mandatory: true, validate: isCallable, args: paramsOf("signature", "signatureOrigin")},
	OnCronjob: {mandatory: true, validate: isCallable, args: func(_ string, req requestShape) (map[string]json.RawMessage, error) {
		return map[string]json.RawMessage{"request": req.raw}, nil
	}},
	OnNameLookup:   {mandatory: true, validate: isCallable, args: paramsOf("chainId", "domain", "address")},
	OnHomePage:     {mandatory: true, validate: isCallable, args: noArgs},
	OnSettingsPage: {mandatory: true, validate: isCallable, args: noArgs},
	OnUserInput:    {mandatory: true, validate: isCallable, args: paramsOf("id", "event", "context")},
	OnInstall:      {validate: isCallable, args: originOnly},
	OnUpdate:       {validate: isCallable, args: originOnly},
	OnStart:        {validate: isCallable, args: originOnly},
}

// AllEntryPoints returns every recognized entry point, sorted.
func AllEntryPoints() []EntryPoint {
	out := make([]EntryPoint, 0, len(entrySpecs))
	for ep := range entrySpecs {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseEntryPoint maps a wire name to an EntryPoint.
func ParseEntryPoint(name string) (EntryPoint, error) {
	ep := EntryPoint(name)
	if _, ok := entrySpecs[ep]; !ok {
		return "", execerr.InvalidParams("unknown entry point %q", name)
	}
	return ep, nil
}

// Mandatory reports whether a plugin must export ep to be invoked with it.
func (ep EntryPoint) Mandatory() bool {
	return entrySpecs[ep].mandatory
}

// Args builds the single argument object ep is invoked with.
func (ep EntryPoint) Args(origin string, request json.RawMessage) (json.RawMessage, error) {
	es, ok := entrySpecs[ep]
	if !ok {
		return nil, execerr.InvalidParams("unknown entry point %q", string(ep))
	}
	args, err := es.args(origin, parseRequest(request))
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, execerr.InvalidParams("request cannot be encoded: %v", err)
	}
	return raw, nil
}
