// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rpcstream

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// DialConfig holds configuration for connecting to the rpc stream socket.
type DialConfig struct {
	// Address is "unix:/path/to.sock" or a "host:port" TCP address.
	Address string

	// Attempts bounds the number of connection attempts (default: 5).
	Attempts uint64

	// Backoff is the first retry delay; it doubles per attempt (default: 100ms).
	Backoff time.Duration

	// Dialer is used for each attempt. Defaults to a net.Dialer.
	Dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
}

// SplitAddress returns the network and address parts of addr.
func SplitAddress(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", rest
	}
	return "tcp", addr
}

// Dial connects to the rpc stream socket, retrying with exponential backoff
// while the host is not yet listening.
func Dial(ctx context.Context, cfg DialConfig) (net.Conn, error) {
	if cfg.Address == "" {
		return nil, oops.In("rpcstream").Errorf("address is required")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	network, address := SplitAddress(cfg.Address)

	backoff := retry.WithMaxRetries(cfg.Attempts-1, retry.NewExponential(cfg.Backoff))
	var conn net.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, oops.In("rpcstream").
			With("address", cfg.Address).
			With("attempts", cfg.Attempts).
			Hint("rpc stream socket unreachable").
			Wrap(err)
	}
	return conn, nil
}
