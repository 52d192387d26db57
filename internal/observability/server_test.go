// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, ready ReadinessChecker, extra ...prometheus.Collector) string {
	t.Helper()
	server := NewServer("127.0.0.1:0", ready, extra...)
	_, err := server.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.Stop(ctx))
	})
	require.NotEmpty(t, server.Addr())
	return "http://" + server.Addr()
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // local test server
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_MetricsCarryBuildInfoAndExtraCollectors(t *testing.T) {
	invocations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pluginexec_test_invocations_total",
		Help: "Invocations seen by the test.",
	})
	invocations.Add(3)
	SetBuildInfo("v1.2.3")
	SetBuildInfo("v1.2.4")

	base := startServer(t, nil, invocations)
	status, body := get(t, base+"/metrics")

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `pluginexec_build_info{version="v1.2.4"} 1`)
	assert.NotContains(t, body, `version="v1.2.3"`, "SetBuildInfo replaces the previous version")
	assert.Contains(t, body, "pluginexec_test_invocations_total 3")
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_ReadinessFollowsChecker(t *testing.T) {
	var ready atomic.Bool
	base := startServer(t, ready.Load)

	status, body := get(t, base+"/healthz/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "not ready\n", body)

	ready.Store(true)
	status, body = get(t, base+"/healthz/readiness")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)

	ready.Store(false)
	status, _ = get(t, base+"/healthz/liveness")
	assert.Equal(t, http.StatusOK, status, "liveness ignores readiness")
}

func TestServer_NilCheckerIsReady(t *testing.T) {
	base := startServer(t, nil)
	status, _ := get(t, base+"/healthz/readiness")
	assert.Equal(t, http.StatusOK, status)
}
