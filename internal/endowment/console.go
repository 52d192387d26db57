// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
)

var consoleLevels = map[string]slog.Level{
	"log":   slog.LevelInfo,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": slog.LevelDebug,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// formatArgs renders console arguments the way a terminal console would:
// strings verbatim, plain data as JSON, anything else via toString.
func formatArgs(ec *Context, args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, formatArg(ec, arg))
	}
	return strings.Join(parts, " ")
}

func formatArg(ec *Context, v goja.Value) (out string) {
	defer func() {
		if recover() != nil {
			out = "[unprintable]"
		}
	}()
	if _, isObj := v.(*goja.Object); !isObj {
		return v.String()
	}
	if _, callable := goja.AssertFunction(v); callable {
		return "[Function]"
	}
	if raw, err := ec.Realm.ToJSON(v); err == nil {
		return string(raw)
	}
	return v.String()
}

// ConsoleFactory produces a console whose output is attributed to the
// plugin in host logs.
func ConsoleFactory() *Factory {
	return &Factory{
		Names: []string{"console"},
		Build: func(ec *Context) (Grant, error) {
			r := ec.Realm
			vm := r.Runtime()
			logger := ec.logger()
			prefix := fmt.Sprintf("[Plugin: %s]", ec.PluginID)

			emit := func(level slog.Level, method string, args []goja.Value) {
				logger.Log(ec.LogContext(), level, prefix+" "+formatArgs(ec, args), "console", method)
			}

			console := vm.NewObject()
			for method, level := range consoleLevels {
				_ = console.Set(method, func(call goja.FunctionCall) goja.Value {
					emit(level, method, call.Arguments)
					return goja.Undefined()
				})
			}
			_ = console.Set("assert", func(call goja.FunctionCall) goja.Value {
				if call.Argument(0).ToBoolean() {
					return goja.Undefined()
				}
				args := append([]goja.Value{vm.ToValue("Assertion failed:")}, call.Arguments[min(1, len(call.Arguments)):]...)
				emit(slog.LevelError, "assert", args)
				return goja.Undefined()
			})
			return Grant{Values: map[string]goja.Value{"console": r.Harden(console)}}, nil
		},
	}
}
