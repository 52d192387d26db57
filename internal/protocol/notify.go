// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protocol

import (
	"context"
	"log/slog"
	"sync"

	"github.com/holomush/pluginexec/pkg/errutil"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// MethodUnhandledError reports a plugin failure no invocation observed.
const MethodUnhandledError = "UnhandledError"

// DefaultNotificationBuffer is the queue length used when none is configured.
const DefaultNotificationBuffer = 256

// UnhandledParams is the payload of an UnhandledError notification.
type UnhandledParams struct {
	Error *jsonrpc.Error `json:"error"`
}

// NotificationConfig configures a Notifications queue.
type NotificationConfig struct {
	// Buffer is the queue length (default: DefaultNotificationBuffer).
	Buffer int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Notifications writes side-channel notifications to the command stream.
// Notify never blocks: when the queue is full the notification is dropped
// and logged. Queued notifications are written in order, either by Run or
// by Flush ahead of a response.
type Notifications struct {
	w      *jsonrpc.Writer
	queue  chan *jsonrpc.Notification
	wake   chan struct{}
	logger *slog.Logger

	// mu serializes draining so queue order is wire order.
	mu sync.Mutex
}

// NewNotifications creates a queue writing to w. Run must be started for
// anything to be written.
func NewNotifications(w *jsonrpc.Writer, cfg NotificationConfig) *Notifications {
	size := cfg.Buffer
	if size <= 0 {
		size = DefaultNotificationBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifications{
		w:      w,
		queue:  make(chan *jsonrpc.Notification, size),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Notify queues a notification.
func (n *Notifications) Notify(method string, params any) {
	select {
	case n.queue <- jsonrpc.NewNotification(method, params):
		NotificationsSent.WithLabelValues(method).Inc()
		select {
		case n.wake <- struct{}{}:
		default:
		}
	default:
		NotificationsDropped.WithLabelValues(method).Inc()
		n.logger.Warn("notification queue full, dropping notification", "method", method)
	}
}

// Unhandled queues an UnhandledError notification for pluginID.
func (n *Notifications) Unhandled(pluginID string, cause *jsonrpc.Error) {
	n.Notify(MethodUnhandledError, UnhandledParams{Error: unhandledError(pluginID, cause)})
}

func unhandledError(pluginID string, cause *jsonrpc.Error) *jsonrpc.Error {
	code := jsonrpc.CodeInternal
	message := "Unhandled plugin error"
	if cause != nil {
		message = cause.Message
	}
	return &jsonrpc.Error{
		Code:    code,
		Message: message,
		Data: map[string]any{
			"cause":    cause,
			"pluginId": pluginID,
		},
	}
}

// Run writes queued notifications until ctx is done, then flushes whatever
// is already queued.
func (n *Notifications) Run(ctx context.Context) {
	for {
		select {
		case <-n.wake:
			n.Flush()
		case <-ctx.Done():
			n.Flush()
			return
		}
	}
}

// Flush writes every queued notification before returning. The handler
// calls it ahead of each response so notifications raised while serving a
// request precede that request's response on the wire.
func (n *Notifications) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		select {
		case note := <-n.queue:
			n.write(note)
		default:
			return
		}
	}
}

func (n *Notifications) write(note *jsonrpc.Notification) {
	if err := n.w.Write(note); err != nil {
		errutil.LogError(n.logger, "writing notification", err)
	}
}
