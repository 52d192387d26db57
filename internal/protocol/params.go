// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/holomush/pluginexec/internal/executor"
	"github.com/holomush/pluginexec/pkg/execerr"
)

// Command stream methods.
const (
	MethodPing        = "ping"
	MethodExecuteSnap = "executeSnap"
	MethodSnapRPC     = "snapRpc"
	MethodTerminate   = "terminate"
)

// ExecuteSnapParams are the canonical params of executeSnap.
type ExecuteSnapParams struct {
	PluginID       string   `json:"pluginId" validate:"required"`
	Program        string   `json:"program" validate:"required"`
	EndowmentNames []string `json:"endowmentNames" validate:"dive,required"`
}

// SnapRPCParams are the canonical params of snapRpc.
type SnapRPCParams struct {
	PluginID   string          `json:"pluginId" validate:"required"`
	EntryPoint string          `json:"entryPoint" validate:"required,entrypoint"`
	Origin     string          `json:"origin"`
	Request    json.RawMessage `json:"request" validate:"required"`
}

// invocationRequest is the shape the snapRpc request must have: a JSON-RPC
// request without an id.
type invocationRequest struct {
	JSONRPC string          `json:"jsonrpc" validate:"omitempty,eq=2.0"`
	ID      json.RawMessage `json:"id" validate:"isdefault"`
	Method  string          `json:"method" validate:"required"`
	Params  json.RawMessage `json:"params" validate:"omitempty,structured"`
}

// paramOrder lists the canonical positional order of each method's params.
var paramOrder = map[string][]string{
	MethodPing:        {},
	MethodExecuteSnap: {"pluginId", "program", "endowmentNames"},
	MethodSnapRPC:     {"pluginId", "entryPoint", "origin", "request"},
	MethodTerminate:   {},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("entrypoint", func(fl validator.FieldLevel) bool {
		_, err := executor.ParseEntryPoint(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("structured", func(fl validator.FieldLevel) bool {
		raw := bytes.TrimSpace(fl.Field().Bytes())
		return len(raw) > 0 && (raw[0] == '[' || raw[0] == '{')
	})
	return v
}

// reconcile returns params in canonical positional order. Named params are
// reordered; absent trailing params are left out and absent interior ones
// are nil.
func reconcile(method string, raw json.RawMessage) ([]json.RawMessage, error) {
	order := paramOrder[method]
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var positional []json.RawMessage
		if err := json.Unmarshal(raw, &positional); err != nil {
			return nil, execerr.InvalidParams("params are not a valid array: %v", err)
		}
		if len(positional) > len(order) {
			return nil, execerr.InvalidParams("%s expects at most %d params, got %d", method, len(order), len(positional))
		}
		return positional, nil
	case '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(raw, &named); err != nil {
			return nil, execerr.InvalidParams("params are not a valid object: %v", err)
		}
		positional := make([]json.RawMessage, len(order))
		last := -1
		for i, name := range order {
			v, ok := named[name]
			if !ok {
				continue
			}
			positional[i] = v
			last = i
			delete(named, name)
		}
		if len(named) > 0 {
			extra := slices.Sorted(maps.Keys(named))
			return nil, execerr.InvalidParams("%s does not accept param %q", method, extra[0])
		}
		return positional[:last+1], nil
	default:
		return nil, execerr.InvalidParams("params must be an array or an object")
	}
}

// decodeParams reconciles raw and decodes it into dst, then validates dst.
func decodeParams(method string, raw json.RawMessage, dst any) error {
	positional, err := reconcile(method, raw)
	if err != nil {
		return err
	}
	order := paramOrder[method]
	named := make(map[string]json.RawMessage, len(positional))
	for i, v := range positional {
		if v != nil {
			named[order[i]] = v
		}
	}
	if dst == nil {
		if len(named) > 0 {
			return execerr.InvalidParams("%s takes no params", method)
		}
		return nil
	}

	doc, err := json.Marshal(named)
	if err != nil {
		return execerr.InvalidParams("params cannot be encoded: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return execerr.InvalidParams("%s params: %s", method, describeDecodeError(err))
	}
	if err := validate.Struct(dst); err != nil {
		return execerr.InvalidParams("%s params: %s", method, describeValidation(err))
	}
	return nil
}

// checkInvocationRequest validates the request carried by snapRpc.
func checkInvocationRequest(raw json.RawMessage) error {
	var req invocationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return execerr.InvalidParams("request must be a JSON-RPC request object")
	}
	if err := validate.Struct(&req); err != nil {
		return execerr.InvalidParams("request: %s", describeValidation(err))
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return typeErr.Field + " must be of type " + typeErr.Type.String()
	}
	return err.Error()
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "isdefault":
			parts = append(parts, fe.Field()+" must be absent")
		case "entrypoint":
			parts = append(parts, fe.Field()+" is not a known entry point")
		case "structured":
			parts = append(parts, fe.Field()+" must be an array or an object")
		default:
			parts = append(parts, fe.Field()+" failed "+fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}
