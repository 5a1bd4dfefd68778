package worker

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema wraps a compiled JSON schema. A nil *compiledSchema (for a
// task with no output schema) always validates.
type compiledSchema struct {
	schema *jsonschema.Schema
}

func compileSchema(name string, raw []byte) (*compiledSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// Resource ids may not carry a fragment, so "uuid#input" becomes
	// "uuid/input".
	id := strings.ReplaceAll(name, "#", "/")
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("worker: add schema resource %s: %w", name, err)
	}
	s, err := compiler.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("worker: compile schema %s: %w", name, err)
	}
	return &compiledSchema{schema: s}, nil
}

// validate checks v (already a plain Go value, e.g. from encoding/json)
// against the schema. A nil receiver or nil schema always succeeds.
func (c *compiledSchema) validate(v any) error {
	if c == nil || c.schema == nil {
		return nil
	}
	return c.schema.Validate(v)
}
