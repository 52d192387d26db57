// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package jsonrpc defines the JSON-RPC 2.0 shapes exchanged over the
// executor's command and rpc streams, plus a line-delimited codec.
package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Version is the only protocol version the executor speaks.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Request is a JSON-RPC request or, when ID is empty, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc" jsonschema:"enum=2.0"`
	ID      json.RawMessage `json:"id,omitempty" jsonschema:"oneof_type=string;number;null"`
	Method  string          `json:"method" jsonschema:"minLength=1"`
	Params  json.RawMessage `json:"params,omitempty" jsonschema:"oneof_type=array;object"`
}

// Response answers exactly one request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification carries no id and expects no answer.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is the wire form of a JSON-RPC error object. Stack is carried for
// errors originating inside a plugin realm and is never a host stack.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

var nullID = json.RawMessage("null")

// NullID is the id used for responses to requests whose id could not be read.
func NullID() json.RawMessage {
	return append(json.RawMessage(nil), nullID...)
}

// HasUsableID reports whether the request carries a string or number id.
func (r *Request) HasUsableID() bool {
	return UsableID(r.ID)
}

// UsableID reports whether raw is a JSON string or number.
func UsableID(raw json.RawMessage) bool {
	id := bytes.TrimSpace(raw)
	if len(id) == 0 {
		return false
	}
	switch id[0] {
	case '"':
		var s string
		return json.Unmarshal(id, &s) == nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	default:
		return false
	}
}

// IsNotification reports whether the request has no id member at all.
func (r *Request) IsNotification() bool {
	return len(bytes.TrimSpace(r.ID)) == 0
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = nullID
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response.
func NewError(id json.RawMessage, err *Error) *Response {
	if len(id) == 0 {
		id = NullID()
	}
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// NewNotification builds a notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}
