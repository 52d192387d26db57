// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/pluginexec/internal/observability"
	"github.com/holomush/pluginexec/internal/rpcstream"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// Stdin carries the command stream when no command address is set.
	// Default: os.Stdin
	Stdin io.Reader

	// Stdout carries command stream output when no command address is set.
	// Default: os.Stdout
	Stdout io.Writer

	// Stderr receives logs.
	// Default: os.Stderr
	Stderr io.Writer

	// Dial connects to a stream socket.
	// Default: rpcstream.Dial
	Dial func(ctx context.Context, cfg rpcstream.DialConfig) (net.Conn, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, extra ...prometheus.Collector) ObservabilityServer
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
