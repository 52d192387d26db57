// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsableID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{`1`, true},
		{`-3.5`, true},
		{`"abc"`, true},
		{`""`, true},
		{``, false},
		{`null`, false},
		{`{}`, false},
		{`[1]`, false},
		{`true`, false},
		{`"unterminated`, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, UsableID(json.RawMessage(tt.id)))
		})
	}
}

func TestRequest_IsNotification(t *testing.T) {
	var withID, without, nullID Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"m"}`), &withID))
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m"}`), &without))
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":null,"method":"m"}`), &nullID))

	assert.False(t, withID.IsNotification())
	assert.True(t, withID.HasUsableID())
	assert.True(t, without.IsNotification())
	assert.False(t, nullID.IsNotification(), "an explicit null id is present")
	assert.False(t, nullID.HasUsableID())
}

func TestNewResult_NullWhenEmpty(t *testing.T) {
	data, err := json.Marshal(NewResult(json.RawMessage(`7`), nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":null}`, string(data))
}

func TestNewError_NullIDWhenMissing(t *testing.T) {
	data, err := json.Marshal(NewError(nil, &Error{Code: CodeInvalidRequest, Message: "Invalid request"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"Invalid request"}}`, string(data))
}

func TestError_Error(t *testing.T) {
	err := &Error{Code: -32000, Message: "boom"}
	assert.Contains(t, err.Error(), "boom")
}
