// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package executor_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/pluginexec/internal/endowment"
	"github.com/holomush/pluginexec/internal/executor"
	"github.com/holomush/pluginexec/internal/protocol"
	"github.com/holomush/pluginexec/internal/rpcstream"
	"github.com/holomush/pluginexec/pkg/execerr"
	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// hostEnv runs an executor against a fake host: a command stream over
// in-memory pipes and an rpc stream over a unix socket.
type hostEnv struct {
	ctx    context.Context
	cancel context.CancelFunc

	cmdIn  *io.PipeWriter
	cmdOut *io.PipeReader
	lines  chan []byte

	mu            sync.Mutex
	notifications []jsonrpc.Notification

	rpcCalls atomic.Int64
	listener net.Listener
	client   *rpcstream.Client
	http     *httptest.Server
	served   chan struct{}
	nextID   atomic.Int64
}

func newHostEnv() *hostEnv {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	env := &hostEnv{ctx: ctx, cancel: cancel, lines: make(chan []byte, 64), served: make(chan struct{})}

	dir, err := os.MkdirTemp("", "pe-")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)
	sock := filepath.Join(dir, "rpc.sock")
	env.listener, err = net.Listen("unix", sock)
	Expect(err).NotTo(HaveOccurred())
	go env.serveRPC()

	env.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))

	conn, err := rpcstream.Dial(ctx, rpcstream.DialConfig{Address: "unix:" + sock, Attempts: 3, Backoff: 10 * time.Millisecond})
	Expect(err).NotTo(HaveOccurred())
	env.client = rpcstream.NewClient(conn, conn, rpcstream.ClientConfig{})
	go func() { _ = env.client.Serve(ctx) }()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	env.cmdIn, env.cmdOut = inW, outR

	writer := jsonrpc.NewWriter(outW)
	notes := protocol.NewNotifications(writer, protocol.NotificationConfig{})
	registry, err := endowment.NewRegistry(endowment.WithBuiltins(endowment.Config{}))
	Expect(err).NotTo(HaveOccurred())
	exec, err := executor.New(executor.Options{
		Registry:    registry,
		Outbound:    env.client,
		Notifier:    notes,
		OnUnhandled: notes.Unhandled,
	})
	Expect(err).NotTo(HaveOccurred())
	handler := protocol.NewHandler(exec, writer, protocol.Config{Notifications: notes})

	go notes.Run(ctx)
	go func() {
		defer close(env.served)
		_ = handler.Serve(ctx, inR)
		_ = exec.TerminateAll(context.WithoutCancel(ctx))
	}()
	go env.readOutput()

	DeferCleanup(env.close, conn)
	return env
}

func (env *hostEnv) close(conn net.Conn) {
	_ = env.cmdIn.Close()
	Eventually(env.served).WithTimeout(10 * time.Second).Should(BeClosed())
	env.cancel()
	env.client.Close()
	_ = conn.Close()
	_ = env.cmdOut.Close()
	_ = env.listener.Close()
	env.http.Close()
}

// serveRPC answers snap_getState with a call counter and errors otherwise.
func (env *hostEnv) serveRPC() {
	conn, err := env.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	reader := jsonrpc.NewReader(conn)
	writer := jsonrpc.NewWriter(conn)
	for {
		doc, err := reader.Next()
		if err != nil {
			return
		}
		var req jsonrpc.Request
		if json.Unmarshal(doc, &req) != nil {
			return
		}
		n := env.rpcCalls.Add(1)
		if req.Method != "snap_getState" {
			_ = writer.Write(jsonrpc.NewError(req.ID, &jsonrpc.Error{Code: -32601, Message: "method not found"}))
			continue
		}
		_ = writer.Write(jsonrpc.NewResult(req.ID, json.RawMessage(`{"calls":`+strconv.FormatInt(n, 10)+`}`)))
	}
}

func (env *hostEnv) readOutput() {
	defer close(env.lines)
	scanner := bufio.NewScanner(env.cmdOut)
	for scanner.Scan() {
		env.lines <- bytes.Clone(scanner.Bytes())
	}
}

// call sends method with params and returns its response, recording every
// notification seen on the way.
func (env *hostEnv) call(method string, params any) jsonrpc.Response {
	id := env.nextID.Add(1)
	doc := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		doc["params"] = params
	}
	raw, err := json.Marshal(doc)
	Expect(err).NotTo(HaveOccurred())
	_, err = env.cmdIn.Write(append(raw, '\n'))
	Expect(err).NotTo(HaveOccurred())

	timeout := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-env.lines:
			Expect(ok).To(BeTrue(), "command stream ended")
			var resp jsonrpc.Response
			Expect(json.Unmarshal(line, &resp)).To(Succeed())
			if resp.ID == nil {
				var note jsonrpc.Notification
				Expect(json.Unmarshal(line, &note)).To(Succeed())
				env.mu.Lock()
				env.notifications = append(env.notifications, note)
				env.mu.Unlock()
				continue
			}
			Expect(string(resp.ID)).To(Equal(strconv.FormatInt(id, 10)))
			return resp
		case <-timeout:
			Fail("no response to " + method)
		}
	}
}

func (env *hostEnv) notificationMethods() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	methods := make([]string, 0, len(env.notifications))
	for _, n := range env.notifications {
		methods = append(methods, n.Method)
	}
	return methods
}

func expectResult(resp jsonrpc.Response, want string) {
	ExpectWithOffset(1, resp.Error).To(BeNil())
	ExpectWithOffset(1, string(resp.Result)).To(MatchJSON(want))
}

func invoke(env *hostEnv, pluginID string, request any) jsonrpc.Response {
	return env.call(protocol.MethodSnapRPC, map[string]any{
		"pluginId":   pluginID,
		"entryPoint": "onRpcRequest",
		"origin":     "https://dapp.example",
		"request":    request,
	})
}

var _ = Describe("Executor lifecycle", func() {
	var env *hostEnv

	BeforeEach(func() {
		env = newHostEnv()
	})

	It("answers ping", func() {
		expectResult(env.call(protocol.MethodPing, nil), `"OK"`)
	})

	It("loads a plugin and invokes its handler", func() {
		expectResult(env.call(protocol.MethodExecuteSnap, []any{
			"npm:greeter",
			`module.exports.onRpcRequest = function (a) { return { origin: a.origin, hello: a.request.params.name }; };`,
			[]string{},
		}), `"OK"`)

		expectResult(invoke(env, "npm:greeter", map[string]any{"method": "hi", "params": map[string]any{"name": "ada"}}),
			`{"origin":"https://dapp.example","hello":"ada"}`)
	})

	It("keeps plugin realms apart", func() {
		program := `var count = 0; module.exports.onRpcRequest = function () { count += 1; return count; };`
		expectResult(env.call(protocol.MethodExecuteSnap, []any{"npm:a", program, []string{}}), `"OK"`)
		expectResult(env.call(protocol.MethodExecuteSnap, []any{"npm:b", program, []string{}}), `"OK"`)

		expectResult(invoke(env, "npm:a", map[string]any{"method": "x"}), `1`)
		expectResult(invoke(env, "npm:a", map[string]any{"method": "x"}), `2`)
		expectResult(invoke(env, "npm:b", map[string]any{"method": "x"}), `1`)
	})

	It("forwards snap.request over the rpc stream", func() {
		expectResult(env.call(protocol.MethodExecuteSnap, []any{
			"npm:state",
			`module.exports.onRpcRequest = function () { return snap.request({ method: 'snap_getState' }); };`,
			[]string{},
		}), `"OK"`)

		expectResult(invoke(env, "npm:state", map[string]any{"method": "get"}), `{"calls":1}`)
		Expect(env.rpcCalls.Load()).To(BeEquivalentTo(1))
		// Recorded before the response arrived, so order on the wire holds.
		Expect(env.notificationMethods()).To(Equal([]string{
			endowment.MethodOutboundRequest,
			endowment.MethodOutboundResponse,
		}))
	})

	It("surfaces host errors to the plugin", func() {
		expectResult(env.call(protocol.MethodExecuteSnap, []any{
			"npm:denied",
			`module.exports.onRpcRequest = function () {
				return snap.request({ method: 'snap_dialog' }).catch(function (err) { return err.code; });
			};`,
			[]string{},
		}), `"OK"`)

		expectResult(invoke(env, "npm:denied", map[string]any{"method": "x"}), `-32601`)
	})

	It("fetches through the network endowment", func() {
		expectResult(env.call(protocol.MethodExecuteSnap, []any{
			"npm:fetcher",
			fmt.Sprintf(`module.exports.onRpcRequest = function () {
				return fetch(%q).then(function (res) { return res.json(); });
			};`, env.http.URL+"/data"),
			[]string{"fetch"},
		}), `"OK"`)

		expectResult(invoke(env, "npm:fetcher", map[string]any{"method": "x"}), `{"path":"/data"}`)
	})

	It("settles promises driven by timers", func() {
		expectResult(env.call(protocol.MethodExecuteSnap, []any{
			"npm:timer",
			`module.exports.onRpcRequest = function () {
				return new Promise(function (resolve) { setTimeout(function () { resolve('later'); }, 20); });
			};`,
			[]string{"setTimeout"},
		}), `"OK"`)

		expectResult(invoke(env, "npm:timer", map[string]any{"method": "x"}), `"later"`)
	})

	It("rejects unknown endowments without loading", func() {
		resp := env.call(protocol.MethodExecuteSnap, []any{"npm:bad", `module.exports.onRpcRequest = function () {};`, []string{"nope"}})
		Expect(resp.Error).NotTo(BeNil())
		Expect(resp.Error.Code).To(Equal(execerr.CodeUnknownEndowment))

		resp = invoke(env, "npm:bad", map[string]any{"method": "x"})
		Expect(resp.Error).NotTo(BeNil())
	})

	It("forgets plugins once terminated", func() {
		expectResult(env.call(protocol.MethodExecuteSnap, []any{"npm:a", `module.exports.onRpcRequest = function () { return 1; };`, []string{}}), `"OK"`)
		expectResult(env.call(protocol.MethodTerminate, nil), `"OK"`)
		expectResult(env.call(protocol.MethodTerminate, nil), `"OK"`)

		resp := invoke(env, "npm:a", map[string]any{"method": "x"})
		Expect(resp.Error).NotTo(BeNil())
		Expect(resp.Error.Code).To(Equal(execerr.CodeUnknownPlugin))
		expectResult(env.call(protocol.MethodPing, nil), `"OK"`)

		expectResult(env.call(protocol.MethodExecuteSnap, []any{"npm:a", `module.exports.onRpcRequest = function () { return 2; };`, []string{}}), `"OK"`)
		expectResult(invoke(env, "npm:a", map[string]any{"method": "x"}), `2`)
	})
})
