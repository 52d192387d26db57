// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protocol_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/pluginexec/internal/endowment"
	"github.com/holomush/pluginexec/internal/executor"
	"github.com/holomush/pluginexec/internal/protocol"
	"github.com/holomush/pluginexec/pkg/execerr"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Load(ctx context.Context, pluginID, program string, endowments []string) error {
	return m.Called(ctx, pluginID, program, endowments).Error(0)
}

func (m *mockExecutor) Invoke(ctx context.Context, pluginID string, ep executor.EntryPoint, origin string, request json.RawMessage) (json.RawMessage, error) {
	args := m.Called(ctx, pluginID, ep, origin, request)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

func (m *mockExecutor) Terminate(ctx context.Context, pluginID string) error {
	return m.Called(ctx, pluginID).Error(0)
}

func (m *mockExecutor) TerminateAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// lines is a concurrency-safe sink for the command stream.
type lines struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lines) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	text := strings.TrimSpace(l.buf.String())
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

type harness struct {
	handler *protocol.Handler
	exec    *mockExecutor
	out     *lines
}

func newHarness(t *testing.T, cfg protocol.Config) *harness {
	t.Helper()
	h := &harness{exec: &mockExecutor{}, out: &lines{}}
	h.handler = protocol.NewHandler(h.exec, jsonrpc.NewWriter(h.out), cfg)
	return h
}

// call handles doc and returns the single response it produced.
func (h *harness) call(t *testing.T, doc string) jsonrpc.Response {
	t.Helper()
	before := len(h.out.All())
	h.handler.Handle(context.Background(), json.RawMessage(doc))
	all := h.out.All()
	require.Len(t, all, before+1, "expected exactly one response")

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(all[len(all)-1]), &resp))
	return resp
}

func requireResult(t *testing.T, resp jsonrpc.Response, want string) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error response: %+v", resp.Error)
	assert.JSONEq(t, want, string(resp.Result))
}

func requireErrorCode(t *testing.T, resp jsonrpc.Response, code int) *jsonrpc.Error {
	t.Helper()
	require.NotNil(t, resp.Error, "expected an error response, got result %s", resp.Result)
	assert.Equal(t, code, resp.Error.Code)
	return resp.Error
}

func TestPing(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no params", `{"jsonrpc":"2.0","id":1,"method":"ping"}`},
		{"positional", `{"jsonrpc":"2.0","id":"a","method":"ping","params":[]}`},
		{"named", `{"jsonrpc":"2.0","id":2,"method":"ping","params":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, protocol.Config{})
			resp := h.call(t, tt.doc)
			requireResult(t, resp, `"OK"`)
			assert.Equal(t, protocol.StateIdle, h.handler.State())
		})
	}
}

func TestPing_KeepsID(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	resp := h.call(t, `{"jsonrpc":"2.0","id":"01ABC","method":"ping"}`)
	assert.JSONEq(t, `"01ABC"`, string(resp.ID))
}

func TestPing_RejectsParams(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"ping","params":[1]}`)
	requireErrorCode(t, resp, jsonrpc.CodeInvalidParams)
}

func TestExecuteSnap_PositionalAndNamed(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("Load", mock.Anything, "npm:a", "exports.x=1", []string{"console"}).Return(nil).Twice()

	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"executeSnap","params":["npm:a","exports.x=1",["console"]]}`), `"OK"`)
	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":2,"method":"executeSnap","params":{"endowmentNames":["console"],"program":"exports.x=1","pluginId":"npm:a"}}`), `"OK"`)

	h.exec.AssertExpectations(t)
	assert.Equal(t, protocol.StateLoaded, h.handler.State())
}

func TestExecuteSnap_InvalidParamsAreNotDispatched(t *testing.T) {
	h := newHarness(t, protocol.Config{})

	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"executeSnap","params":["npm:a"]}`)

	e := requireErrorCode(t, resp, jsonrpc.CodeInvalidParams)
	assert.Contains(t, e.Message, "program is required")
	h.exec.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, protocol.StateIdle, h.handler.State())
}

func TestExecuteSnap_FailureStaysIdle(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("Load", mock.Anything, "npm:a", "x", []string{"nope"}).
		Return(execerr.Load("npm:a", execerr.UnknownEndowment("nope")))

	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"executeSnap","params":["npm:a","x",["nope"]]}`)

	requireErrorCode(t, resp, execerr.CodeUnknownEndowment)
	assert.Equal(t, protocol.StateIdle, h.handler.State())
}

func TestSnapRPC_Forwards(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "https://example.com",
		json.RawMessage(`{"method":"hello","params":{"n":1}}`)).
		Return(json.RawMessage(`"foobar"`), nil)

	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"snapRpc","params":{"origin":"https://example.com","pluginId":"npm:a","entryPoint":"onRpcRequest","request":{"method":"hello","params":{"n":1}}}}`)

	requireResult(t, resp, `"foobar"`)
}

func TestSnapRPC_PluginErrorIsWrapped(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	cause := &jsonrpc.Error{Code: -32000, Message: "boom", Stack: "Error: boom\n at onRpcRequest"}
	h.exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "o", mock.Anything).
		Return(nil, execerr.Plugin("npm:a", cause))

	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"snapRpc","params":["npm:a","onRpcRequest","o",{"method":"m"}]}`)

	e := requireErrorCode(t, resp, execerr.CodeWrappedPluginError)
	assert.Equal(t, execerr.WrappedMessage, e.Message)
	got, ok := execerr.Unwrap(e)
	require.True(t, ok)
	assert.Equal(t, cause, got)
}

func TestSnapRPC_RejectsBadShapes(t *testing.T) {
	tests := []struct {
		name   string
		params string
	}{
		{"unknown entry point", `["npm:a","onNothing","o",{"method":"m"}]`},
		{"request with id", `["npm:a","onRpcRequest","o",{"id":1,"method":"m"}]`},
		{"request without method", `["npm:a","onRpcRequest","o",{}]`},
		{"too many params", `["npm:a","onRpcRequest","o",{"method":"m"},5]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, protocol.Config{})
			resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"snapRpc","params":`+tt.params+`}`)
			requireErrorCode(t, resp, jsonrpc.CodeInvalidParams)
			h.exec.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"evaluate"}`)
	requireErrorCode(t, resp, jsonrpc.CodeMethodNotFound)
}

func TestMalformedRequests(t *testing.T) {
	h := newHarness(t, protocol.Config{})

	resp := h.call(t, `{"jsonrpc":"1.0","id":7,"method":"ping"}`)
	requireErrorCode(t, resp, jsonrpc.CodeInvalidRequest)
	assert.JSONEq(t, `7`, string(resp.ID))

	for _, doc := range []string{
		`{"jsonrpc":"1.0","method":"ping"}`,
		`{"jsonrpc":"2.0","id":{"x":1},"method":""}`,
		`[1,2,3]`,
		`42`,
	} {
		h.handler.Handle(context.Background(), json.RawMessage(doc))
	}
	assert.Len(t, h.out.All(), 1, "requests without a usable id are only logged")
}

func TestNotificationsFromHostAreIgnored(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.handler.Handle(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","method":"ping"}`))
	assert.Empty(t, h.out.All())
}

func TestTerminate_IsIdempotent(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("Load", mock.Anything, "npm:a", "x", []string(nil)).Return(nil)
	h.exec.On("TerminateAll", mock.Anything).Return(nil).Twice()

	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"executeSnap","params":["npm:a","x"]}`), `"OK"`)
	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":2,"method":"terminate","params":[]}`), `"OK"`)
	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":3,"method":"terminate"}`), `"OK"`)

	assert.Equal(t, protocol.StateTerminated, h.handler.State())
	h.exec.AssertExpectations(t)
}

func TestTerminate_FailureIsStillOK(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("TerminateAll", mock.Anything).Return(errors.New("realm did not stop"))

	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"terminate"}`), `"OK"`)
}

func TestTerminated_SnapRPCIsUnknownPlugin(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("TerminateAll", mock.Anything).Return(nil)
	h.exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "o", mock.Anything).
		Return(nil, execerr.UnknownPlugin("npm:a"))
	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"terminate"}`), `"OK"`)

	requireErrorCode(t, h.call(t, `{"jsonrpc":"2.0","id":2,"method":"snapRpc","params":["npm:a","onRpcRequest","o",{"method":"m"}]}`), execerr.CodeUnknownPlugin)
	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":3,"method":"ping"}`), `"OK"`)
	assert.Equal(t, protocol.StateTerminated, h.handler.State())
}

func TestTerminated_ExecuteSnapLoadsAgain(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("TerminateAll", mock.Anything).Return(nil)
	h.exec.On("Load", mock.Anything, "npm:a", "x", []string(nil)).Return(nil)
	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"terminate"}`), `"OK"`)

	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":2,"method":"executeSnap","params":["npm:a","x"]}`), `"OK"`)
	assert.Equal(t, protocol.StateLoaded, h.handler.State())
	h.exec.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything)
}

func TestTerminate_WinsOverConcurrentLoad(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	loading := make(chan struct{})
	release := make(chan struct{})
	h.exec.On("Load", mock.Anything, "npm:a", "x", []string(nil)).
		Run(func(mock.Arguments) {
			close(loading)
			<-release
		}).Return(nil)
	h.exec.On("TerminateAll", mock.Anything).Return(nil)
	h.exec.On("Terminate", mock.Anything, "npm:a").Return(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.handler.Handle(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"executeSnap","params":["npm:a","x"]}`))
	}()
	<-loading
	requireResult(t, h.call(t, `{"jsonrpc":"2.0","id":2,"method":"terminate"}`), `"OK"`)
	close(release)
	<-done

	all := h.out.All()
	require.Len(t, all, 2)
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(all[1]), &resp))
	requireErrorCode(t, resp, execerr.CodeTerminated)
	h.exec.AssertCalled(t, "Terminate", mock.Anything, "npm:a")
	assert.Equal(t, protocol.StateTerminated, h.handler.State())
}

func TestResponse_FollowsPendingNotifications(t *testing.T) {
	out := &lines{}
	w := jsonrpc.NewWriter(out)
	notes := protocol.NewNotifications(w, protocol.NotificationConfig{})
	exec := &mockExecutor{}
	handler := protocol.NewHandler(exec, w, protocol.Config{Notifications: notes})

	// Nothing runs the queue, so only the pre-response flush can write these.
	exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "o", mock.Anything).
		Run(func(mock.Arguments) {
			notes.Notify(endowment.MethodOutboundRequest, endowment.OutboundParams{Source: "snap.request"})
			notes.Notify(endowment.MethodOutboundResponse, endowment.OutboundParams{Source: "snap.request"})
		}).
		Return(json.RawMessage(`"done"`), nil)

	handler.Handle(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"snapRpc","params":["npm:a","onRpcRequest","o",{"method":"m"}]}`))

	all := out.All()
	require.Len(t, all, 3)
	assert.Contains(t, all[0], `"method":"OutboundRequest"`)
	assert.Contains(t, all[1], `"method":"OutboundResponse"`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"done"}`, all[2])
}

func TestResponseCeiling(t *testing.T) {
	h := newHarness(t, protocol.Config{MaxResponseBytes: 128})
	big, err := json.Marshal(strings.Repeat("x", 256))
	require.NoError(t, err)
	h.exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "o", mock.Anything).
		Return(json.RawMessage(big), nil)

	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"snapRpc","params":["npm:a","onRpcRequest","o",{"method":"m"}]}`)

	e := requireErrorCode(t, resp, jsonrpc.CodeInternal)
	data, ok := e.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(execerr.KindResultTooLarge), data["kind"])
}

func TestUnencodableResultIsReplaced(t *testing.T) {
	h := newHarness(t, protocol.Config{})
	h.exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "o", mock.Anything).
		Return(json.RawMessage(`{not json`), nil)

	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"snapRpc","params":["npm:a","onRpcRequest","o",{"method":"m"}]}`)

	e := requireErrorCode(t, resp, jsonrpc.CodeInternal)
	data, ok := e.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(execerr.KindInternal), data["kind"])
}

func TestServe_AnswersOutOfOrder(t *testing.T) {
	toHandler, fromHost := io.Pipe()
	out := &lines{}
	exec := &mockExecutor{}
	handler := protocol.NewHandler(exec, jsonrpc.NewWriter(out), protocol.Config{})

	release := make(chan struct{})
	exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "slow", mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(json.RawMessage(`"slow"`), nil)
	exec.On("Invoke", mock.Anything, "npm:a", executor.OnRPCRequest, "fast", mock.Anything).
		Return(json.RawMessage(`"fast"`), nil)

	served := make(chan error, 1)
	go func() { served <- handler.Serve(context.Background(), toHandler) }()

	w := jsonrpc.NewWriter(fromHost)
	require.NoError(t, w.WriteRaw([]byte(`{"jsonrpc":"2.0","id":1,"method":"snapRpc","params":["npm:a","onRpcRequest","slow",{"method":"m"}]}`)))
	require.NoError(t, w.WriteRaw([]byte(`this is not json`)))
	require.NoError(t, w.WriteRaw([]byte(`{"jsonrpc":"2.0","id":2,"method":"snapRpc","params":["npm:a","onRpcRequest","fast",{"method":"m"}]}`)))

	require.Eventually(t, func() bool { return len(out.All()) == 1 }, 5*time.Second, 5*time.Millisecond)
	var first jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(out.All()[0]), &first))
	assert.JSONEq(t, `2`, string(first.ID))

	close(release)
	require.NoError(t, fromHost.Close())

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return at end of stream")
	}
	assert.Len(t, out.All(), 2, "serve waits for in-flight requests")
}
