// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchServer struct {
	*httptest.Server
	release chan struct{}
}

func newFetchServer(t *testing.T) *fetchServer {
	t.Helper()
	fs := &fetchServer{release: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/text", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Test", "yes")
		_, _ = fmt.Fprint(w, "hello")
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"answer": 42, "list": [1, 2]}`)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		_, _ = fmt.Fprint(w, r.Header.Get("X-Plugin"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/hang", func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-fs.release:
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/slow-body", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-fs.release:
		case <-r.Context().Done():
		}
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	t.Cleanup(func() { close(fs.release) })
	return fs
}

func fetchHarness(t *testing.T, cfg NetworkConfig) (*harness, *fetchServer, []TeardownFunc) {
	t.Helper()
	srv := newFetchServer(t)
	if cfg.Client == nil {
		cfg.Client = srv.Client()
	}
	h := newHarness(t)
	reg := mustRegistry(t, WithFactories(NetworkFactory(cfg), AbortFactory()))
	_, teardowns := h.resolve(t, reg, "fetch", "AbortController")
	return h, srv, teardowns
}

func TestFetch_Text(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	got := h.eval(t, fmt.Sprintf(`
		fetch(%q).then(function (res) {
			return res.text().then(function (body) {
				return [res.status, res.ok, res.headers.get('x-test'), res.headers.has('x-none'), body, res.bodyUsed];
			});
		});
	`, srv.URL+"/text"))

	assert.JSONEq(t, `[200, true, "yes", false, "hello", true]`, got)
	assert.Equal(t, []string{"OutboundRequest:fetch", "OutboundResponse:fetch"}, h.rec.Notes())
}

func TestFetch_JSON(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	got := h.eval(t, fmt.Sprintf(`fetch(%q).then(function (res) { return res.json(); })`, srv.URL+"/json"))

	assert.JSONEq(t, `{"answer": 42, "list": [1, 2]}`, got)
}

func TestFetch_JSONParseFailureIsSyntaxError(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	got := h.eval(t, fmt.Sprintf(`
		fetch(%q).then(function (res) { return res.json(); })
			.catch(function (e) { return [e.name, e instanceof Error]; })
	`, srv.URL+"/text"))

	assert.JSONEq(t, `["SyntaxError", true]`, got)
}

func TestFetch_MethodAndHeaders(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	got := h.eval(t, fmt.Sprintf(`
		fetch(%q, {method: 'post', headers: {'X-Plugin': 'npm:test'}, body: 'payload'}).then(function (res) {
			return res.text().then(function (body) { return [res.headers.get('x-method'), body]; });
		});
	`, srv.URL+"/echo"))

	assert.JSONEq(t, `["POST", "npm:test"]`, got)
}

func TestFetch_NonOKStatusStillResolves(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	got := h.eval(t, fmt.Sprintf(`fetch(%q).then(function (res) { return [res.status, res.ok, res.statusText]; })`, srv.URL+"/missing"))

	assert.JSONEq(t, `[404, false, "Not Found"]`, got)
}

func TestFetch_BodyCanOnlyBeReadOnce(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	err := h.evalErr(t, fmt.Sprintf(`
		fetch(%q).then(function (res) {
			return res.text().then(function () { return res.text(); });
		});
	`, srv.URL+"/text"))

	assert.Equal(t, "Body has already been consumed.", thrown(t, err))
}

func TestFetch_Rejections(t *testing.T) {
	policy, err := NewEgressPolicy([]string{"allowed.example"})
	require.NoError(t, err)
	h, srv, _ := fetchHarness(t, NetworkConfig{Egress: policy})

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"egress denied", fmt.Sprintf("fetch(%q)", srv.URL+"/text"), `fetch to "127.0.0.1" is not permitted`},
		{"unsupported scheme", "fetch('file:///etc/passwd')", `unsupported URL scheme "file"`},
		{"missing url", "fetch()", "fetch requires a URL"},
		{"body on GET", "fetch('https://allowed.example/', {body: 'x'})", "request with GET/HEAD method cannot have body"},
		{"foreign signal", "fetch('https://allowed.example/', {signal: {}})", "signal is not an AbortSignal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, thrown(t, h.evalErr(t, tt.src)))
		})
	}
}

func TestFetch_AbortRejectsWithAbortError(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	got := h.eval(t, fmt.Sprintf(`
		var controller = new AbortController();
		var pending = fetch(%q, {signal: controller.signal});
		controller.abort();
		pending.then(function () { return 'resolved'; }, function (err) {
			return [err.name, controller.signal.aborted];
		});
	`, srv.URL+"/hang"))

	assert.JSONEq(t, `["AbortError", true]`, got)
}

func TestFetch_AlreadyAbortedSignal(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{})

	got := h.eval(t, fmt.Sprintf(`
		var controller = new AbortController();
		controller.abort('changed my mind');
		fetch(%q, {signal: controller.signal}).catch(function (reason) { return reason; });
	`, srv.URL+"/text"))

	assert.Equal(t, `"changed my mind"`, got)
	assert.Empty(t, h.rec.Notes())
}

func TestFetch_TeardownDropsPendingResponse(t *testing.T) {
	h, srv, teardowns := fetchHarness(t, NetworkConfig{})

	h.eval(t, fmt.Sprintf(`
		var outcome = 'pending';
		fetch(%q).then(function () { outcome = 'delivered'; }, function () { outcome = 'rejected'; });
		undefined;
	`, srv.URL+"/hang"))

	h.teardown(teardowns)

	require.Eventually(t, func() bool { return len(h.rec.Stale()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fetch"}, h.rec.Stale())
	assert.Equal(t, `"pending"`, h.eval(t, "outcome"))
}

func TestFetch_TeardownDropsPendingBodyRead(t *testing.T) {
	h, srv, teardowns := fetchHarness(t, NetworkConfig{})

	h.eval(t, fmt.Sprintf(`
		var body = 'pending';
		fetch(%q).then(function (res) {
			res.text().then(function (b) { body = b; }, function () { body = 'rejected'; });
		});
	`, srv.URL+"/slow-body"))

	h.teardown(teardowns)

	require.Eventually(t, func() bool { return len(h.rec.Stale()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fetch.body"}, h.rec.Stale())
	assert.Equal(t, `"pending"`, h.eval(t, "body"))
}

func TestFetch_UsableAfterTeardown(t *testing.T) {
	h, srv, teardowns := fetchHarness(t, NetworkConfig{})

	h.teardown(teardowns)

	got := h.eval(t, fmt.Sprintf(`fetch(%q).then(function (res) { return res.text(); })`, srv.URL+"/text"))
	assert.Equal(t, `"hello"`, got)
}

func TestFetch_BodyLimit(t *testing.T) {
	h, srv, _ := fetchHarness(t, NetworkConfig{MaxBodyBytes: 3})

	err := h.evalErr(t, fmt.Sprintf(`fetch(%q).then(function (res) { return res.text(); })`, srv.URL+"/text"))

	assert.Equal(t, "response body exceeds 3 bytes", thrown(t, err))
}

func TestEgressPolicy(t *testing.T) {
	policy, err := NewEgressPolicy([]string{"api.example.com", "*.cdn.example.com", "**.internal.test"}, WithBlockPrivate())
	require.NoError(t, err)

	tests := []struct {
		host string
		want bool
	}{
		{"api.example.com", true},
		{"API.example.com.", true},
		{"other.example.com", false},
		{"img.cdn.example.com", true},
		{"a.b.cdn.example.com", false},
		{"a.b.internal.test", true},
		{"127.0.0.1", false},
		{"10.0.0.8", false},
		{"localhost", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Allow(tt.host))
		})
	}

	var open *EgressPolicy
	assert.True(t, open.Allow("anything.example"))
	assert.Equal(t, []string{"api.example.com", "*.cdn.example.com", "**.internal.test"}, policy.Patterns())

	_, err = NewEgressPolicy([]string{""})
	assert.Error(t, err)
}
