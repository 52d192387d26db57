// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protocol

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"

	"github.com/holomush/pluginexec/pkg/jsonrpc"
)

// SchemaID is the $id of the command envelope schema.
const SchemaID = "https://holomush.dev/schemas/pluginexec/command.schema.json"

var (
	envelopeOnce   sync.Once
	envelopeSchema *jschema.Schema
	envelopeErr    error
)

// GenerateSchema returns the JSON Schema every command stream request must
// satisfy.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&jsonrpc.Request{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "pluginexec command request"
	schema.Description = "JSON-RPC 2.0 request accepted on the command stream"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("protocol").Hint("marshaling command schema").Wrap(err)
	}
	return data, nil
}

func compiledSchema() (*jschema.Schema, error) {
	envelopeOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			envelopeErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			envelopeErr = oops.In("protocol").Wrap(err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource(SchemaID, doc); err != nil {
			envelopeErr = oops.In("protocol").Wrap(err)
			return
		}
		envelopeSchema, envelopeErr = c.Compile(SchemaID)
	})
	return envelopeSchema, envelopeErr
}

// decodeEnvelope validates doc against the envelope schema and decodes it.
func decodeEnvelope(doc json.RawMessage) (*jsonrpc.Request, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, oops.In("protocol").Hint("compiling command schema").Wrap(err)
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, oops.In("protocol").Wrap(err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, oops.In("protocol").Hint("request does not match the command schema").Wrap(err)
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, oops.In("protocol").Wrap(err)
	}
	return &req, nil
}

// peekID returns the id member of doc when doc is an object.
func peekID(doc json.RawMessage) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(doc, &probe) != nil {
		return nil
	}
	return probe.ID
}
