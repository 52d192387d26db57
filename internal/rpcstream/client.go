// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package rpcstream is the executor's client side of the rpc stream: it
// sends JSON-RPC requests on behalf of plugins and matches the host's
// answers back to them by id.
package rpcstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// ErrClosed is returned for requests made after the stream ended.
var ErrClosed = errors.New("rpc stream closed")

// Client multiplexes requests over one duplex stream.
type Client struct {
	w      *jsonrpc.Writer
	r      *jsonrpc.Reader
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *jsonrpc.Response
	err     error
	done    chan struct{}
}

// ClientConfig holds configuration for the rpc stream client.
type ClientConfig struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewClient creates a client reading answers from r and writing requests
// to w. Serve must be running for requests to complete.
func NewClient(r io.Reader, w io.Writer, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		w:       jsonrpc.NewWriter(w),
		r:       jsonrpc.NewReader(r),
		logger:  logger.With("stream", "rpc"),
		pending: make(map[string]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
}

// Serve reads responses until the stream ends or ctx is done. Every
// request still waiting fails with ErrClosed afterwards. The reading
// goroutine exits once the underlying reader is closed.
func (c *Client) Serve(ctx context.Context) error {
	docs := make(chan json.RawMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			doc, err := c.r.Next()
			if err != nil {
				if jsonrpc.IsParseError(err) {
					c.logger.Warn("discarding unparseable rpc response")
					continue
				}
				readErr <- err
				return
			}
			select {
			case docs <- doc:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case doc := <-docs:
			c.dispatch(doc)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(ErrClosed)
			return err
		case <-ctx.Done():
			c.shutdown(ErrClosed)
			return nil
		}
	}
}

func (c *Client) dispatch(doc json.RawMessage) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(doc, &resp); err != nil {
		c.logger.Warn("discarding malformed rpc response", "error", err)
		return
	}
	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		c.logger.Warn("discarding rpc response without a string id")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("discarding rpc response for unknown id", "id", id)
		return
	}
	ch <- &resp
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close fails every waiting request and rejects new ones.
func (c *Client) Close() {
	c.shutdown(ErrClosed)
}

// Request sends method with params and waits for the answer. A remote error
// is returned as a *jsonrpc.Error.
func (c *Client) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := ulid.Make().String()
	ch := make(chan *jsonrpc.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	rawID, _ := json.Marshal(id)
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: rawID, Method: method, Params: params}
	if err := c.w.Write(req); err != nil {
		c.forget(id)
		return nil, oops.In("rpcstream").With("method", method).Wrap(err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		if len(resp.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Pending returns the number of requests awaiting an answer.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
