// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package protocol serves the command stream: it validates JSON-RPC requests
// from the host, dispatches them to the executor, and writes responses and
// notifications back.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/pluginexec/internal/executor"
	"github.com/holomush/pluginexec/pkg/errutil"
	"github.com/holomush/pluginexec/pkg/execerr"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

var tracer = otel.Tracer("pluginexec/protocol")

// DefaultMaxResponseBytes is the encoded response ceiling used when none is
// configured.
const DefaultMaxResponseBytes = 64 << 20

var resultOK = json.RawMessage(`"OK"`)

// State is the lifecycle state of the command stream.
type State int

// Command stream states.
const (
	StateIdle State = iota
	StateLoaded
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Executor is the part of the executor the handler drives.
type Executor interface {
	Load(ctx context.Context, pluginID, program string, endowments []string) error
	Invoke(ctx context.Context, pluginID string, ep executor.EntryPoint, origin string, request json.RawMessage) (json.RawMessage, error)
	Terminate(ctx context.Context, pluginID string) error
	TerminateAll(ctx context.Context) error
}

// Flusher writes pending side-channel output. *Notifications implements it.
type Flusher interface {
	Flush()
}

// Config configures a Handler.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// MaxResponseBytes bounds an encoded response (default: 64 MiB).
	MaxResponseBytes int
	// Notifications, when set, is flushed before every response.
	Notifications Flusher
}

// Handler answers requests read from the command stream. Each request runs
// on its own goroutine; responses share one serialized writer.
type Handler struct {
	exec        Executor
	w           *jsonrpc.Writer
	logger      *slog.Logger
	maxResponse int
	notes       Flusher

	mu    sync.Mutex
	state State
	// generation advances on every terminate; a load that started in an
	// earlier generation is discarded.
	generation uint64
}

// NewHandler creates a handler writing responses to w.
func NewHandler(exec Executor, w *jsonrpc.Writer, cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxResponse := cfg.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = DefaultMaxResponseBytes
	}
	return &Handler{
		exec:        exec,
		w:           w,
		logger:      logger.With("stream", "command"),
		maxResponse: maxResponse,
		notes:       cfg.Notifications,
	}
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Serve reads requests from r until the stream ends or ctx is done, then
// waits for every dispatched request to be answered. The reading goroutine
// exits once r is closed.
func (h *Handler) Serve(ctx context.Context, r io.Reader) error {
	reader := jsonrpc.NewReader(r)
	docs := make(chan json.RawMessage)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			doc, err := reader.Next()
			if err != nil {
				if jsonrpc.IsParseError(err) {
					h.logger.Warn("discarding unparseable command")
					continue
				}
				readErr <- err
				return
			}
			select {
			case docs <- doc:
			case <-stop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case doc := <-docs:
			wg.Go(func() { h.Handle(ctx, doc) })
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// Handle answers one raw request document.
func (h *Handler) Handle(ctx context.Context, doc json.RawMessage) {
	req, err := decodeEnvelope(doc)
	if err != nil {
		id := peekID(doc)
		if !jsonrpc.UsableID(id) {
			errutil.LogErrorContext(ctx, h.logger, slog.LevelWarn, "dropping malformed command without a usable id", err)
			return
		}
		recordRequest(methodLabelUnknown, StatusInvalid)
		h.write(jsonrpc.NewError(id, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: "Invalid request",
			Data:    map[string]any{"reason": err.Error()},
		}))
		return
	}
	if req.IsNotification() {
		h.logger.Debug("ignoring command notification", "method", req.Method)
		return
	}

	result, err := h.dispatch(ctx, req)
	recordRequest(req.Method, requestStatus(err))
	if err != nil {
		h.write(jsonrpc.NewError(req.ID, execerr.Serialize(err)))
		return
	}
	h.write(jsonrpc.NewResult(req.ID, result))
}

func (h *Handler) dispatch(ctx context.Context, req *jsonrpc.Request) (result json.RawMessage, err error) {
	ctx, span := tracer.Start(ctx, "protocol."+spanName(req.Method),
		trace.WithAttributes(attribute.String("rpc.method", req.Method)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	h.logger.DebugContext(ctx, "command received", "method", req.Method, "id", string(req.ID))

	switch req.Method {
	case MethodPing:
		if err := decodeParams(MethodPing, req.Params, nil); err != nil {
			return nil, err
		}
		return resultOK, nil
	case MethodExecuteSnap:
		var params ExecuteSnapParams
		if err := decodeParams(MethodExecuteSnap, req.Params, &params); err != nil {
			return nil, err
		}
		return h.executeSnap(ctx, &params)
	case MethodSnapRPC:
		var params SnapRPCParams
		if err := decodeParams(MethodSnapRPC, req.Params, &params); err != nil {
			return nil, err
		}
		if err := checkInvocationRequest(params.Request); err != nil {
			return nil, err
		}
		return h.snapRPC(ctx, &params)
	case MethodTerminate:
		if err := decodeParams(MethodTerminate, req.Params, nil); err != nil {
			return nil, err
		}
		return h.terminate(ctx)
	default:
		return nil, execerr.MethodNotFound("method %q is not supported", req.Method)
	}
}

func spanName(method string) string {
	if _, ok := paramOrder[method]; ok {
		return method
	}
	return methodLabelUnknown
}

// executeSnap is valid in every state, so a terminated executor can load
// again.
func (h *Handler) executeSnap(ctx context.Context, p *ExecuteSnapParams) (json.RawMessage, error) {
	h.mu.Lock()
	gen := h.generation
	h.mu.Unlock()

	if err := h.exec.Load(ctx, p.PluginID, p.Program, p.EndowmentNames); err != nil {
		errutil.LogErrorContext(ctx, h.logger, slog.LevelWarn, "plugin load failed", err)
		return nil, err
	}

	h.mu.Lock()
	stale := h.generation != gen
	if !stale {
		h.state = StateLoaded
	}
	h.mu.Unlock()

	// A terminate that arrived while loading wins.
	if stale {
		if err := h.exec.Terminate(context.WithoutCancel(ctx), p.PluginID); err != nil {
			errutil.LogErrorContext(ctx, h.logger, slog.LevelDebug, "discarding plugin loaded during terminate", err)
		}
		return nil, execerr.Terminated(p.PluginID)
	}
	return resultOK, nil
}

// snapRPC is not gated on state: after terminate the executor holds no
// records and answers UnknownPlugin.
func (h *Handler) snapRPC(ctx context.Context, p *SnapRPCParams) (json.RawMessage, error) {
	ep, err := executor.ParseEntryPoint(p.EntryPoint)
	if err != nil {
		return nil, err
	}
	return h.exec.Invoke(ctx, p.PluginID, ep, p.Origin, p.Request)
}

// terminate is idempotent: failures closing realms are logged, never
// returned.
func (h *Handler) terminate(ctx context.Context) (json.RawMessage, error) {
	h.mu.Lock()
	h.state = StateTerminated
	h.generation++
	h.mu.Unlock()

	if err := h.exec.TerminateAll(ctx); err != nil {
		errutil.LogErrorContext(ctx, h.logger, slog.LevelWarn, "terminating plugins", err)
	}
	return resultOK, nil
}

// write encodes resp and replaces it with an internal error when it cannot
// be encoded or exceeds the response ceiling. Pending notifications are
// written first.
func (h *Handler) write(resp *jsonrpc.Response) {
	if h.notes != nil {
		h.notes.Flush()
	}
	data, err := h.guard(resp)
	if err != nil {
		errutil.LogError(h.logger, "replacing unsendable response", err)
		data, err = json.Marshal(jsonrpc.NewError(resp.ID, execerr.Serialize(err)))
		if err != nil {
			errutil.LogError(h.logger, "encoding replacement response", err)
			return
		}
	}
	if err := h.w.WriteRaw(data); err != nil {
		errutil.LogError(h.logger, "writing response", err)
	}
}

func (h *Handler) guard(resp *jsonrpc.Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, execerr.New(execerr.KindInternal).
			Hint("response is not encodable").
			Errorf("response could not be encoded: %v", err)
	}
	if len(data) > h.maxResponse {
		return nil, execerr.ResultTooLarge(len(data), h.maxResponse)
	}
	return data, nil
}
