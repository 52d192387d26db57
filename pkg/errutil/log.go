// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil holds helpers for logging and asserting executor errors.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/pluginexec/pkg/execerr"
)

// LogError logs err at error level with its executor kind and, for oops
// errors, the code and structured context. Plugin-originated causes are
// logged by message only.
func LogError(logger *slog.Logger, msg string, err error) {
	LogErrorContext(context.Background(), logger, slog.LevelError, msg, err)
}

// LogErrorContext is LogError with an explicit context and level.
func LogErrorContext(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, err error) {
	if err == nil {
		return
	}
	attrs := []any{
		"error", err.Error(),
		"kind", string(execerr.KindOf(err)),
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, _ := any(oopsErr.Code()).(string); code != "" {
			attrs = append(attrs, "code", code)
		}
		if c := oopsErr.Context(); len(c) > 0 {
			attrs = append(attrs, "context", c)
		}
	}
	logger.Log(ctx, level, msg, attrs...)
}
