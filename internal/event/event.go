// Package event defines the inbound webhook envelope and validates raw
// payloads against an embedded JSON schema before anything touches storage.
package event

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed cast_event.schema.json
var castEventSchemaJSON string

// Author is the cast author as delivered by the upstream webhook.
type Author struct {
	FID      int64  `json:"fid"`
	Username string `json:"username"`
}

// Cast is a single cast event: a short post plus its thread placement.
// ParentHash is empty for thread roots.
type Cast struct {
	Hash       string `json:"hash"`
	ThreadHash string `json:"thread_hash"`
	ParentHash string `json:"parent_hash"`
	Text       string `json:"text"`
	Author     Author `json:"author"`
}

// Envelope is the outer webhook payload.
type Envelope struct {
	Type string `json:"type"`
	Data Cast   `json:"data"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("cast_event.schema.json", bytes.NewReader([]byte(castEventSchemaJSON))); err != nil {
			compiledSchemaErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("cast_event.schema.json")
	})
	return compiledSchema, compiledSchemaErr
}

// Parse validates raw against the cast event schema and decodes it. The raw
// bytes must be exactly what was transmitted; callers verify the payload
// signature over the same bytes before calling Parse.
func Parse(raw []byte) (Envelope, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return Envelope{}, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return Envelope{}, fmt.Errorf("payload failed schema validation: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// decodeStrictJSON rejects payloads with trailing garbage after the top-level
// JSON value.
func decodeStrictJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected content after JSON value")
	}
	return value, nil
}
