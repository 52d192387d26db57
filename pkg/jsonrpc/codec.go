// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/samber/oops"
)

// Writer serializes values onto a stream, one JSON document per line.
// Writer is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes v and appends a newline.
func (w *Writer) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return oops.In("jsonrpc").Hint("value is not encodable").Wrap(err)
	}
	return w.WriteRaw(data)
}

// WriteRaw writes an already encoded document.
func (w *Writer) WriteRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := w.w.Write(buf); err != nil {
		return oops.In("jsonrpc").Wrap(err)
	}
	return nil
}

// ErrParse marks a line that is not valid JSON. The stream stays usable.
const ErrParse = "PARSE_ERROR"

// IsParseError reports whether err came from a line that is not valid JSON.
func IsParseError(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	code, _ := any(oopsErr.Code()).(string)
	return code == ErrParse
}

// Reader yields successive newline-delimited JSON documents from a stream.
type Reader struct {
	br      *bufio.Reader
	maxLine int
}

// DefaultMaxLine bounds a single incoming document.
const DefaultMaxLine = 64 << 20

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), maxLine: DefaultMaxLine}
}

// Next returns the next raw document. Blank lines are skipped. A line that
// is not valid JSON yields an oops error with code ErrParse; the caller may
// keep reading. Next returns io.EOF when the stream ends cleanly.
func (r *Reader) Next() (json.RawMessage, error) {
	for {
		line, err := r.readLine()
		if len(bytes.TrimSpace(line)) > 0 {
			if !json.Valid(line) {
				return nil, oops.In("jsonrpc").Code(ErrParse).Errorf("invalid JSON document")
			}
			return json.RawMessage(bytes.TrimSpace(line)), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, oops.In("jsonrpc").Wrap(err)
		}
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > r.maxLine {
			// Drain the rest of the oversized line before reporting it.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.br.ReadSlice('\n')
			}
			return []byte("\x00"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}
