package registry

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema wraps a compiled JSON Schema for tool input validation.
// Compilation happens once at install time; a schema that fails to compile
// disables validation for that tool rather than rejecting the manifest.
type compiledSchema struct {
	schema *jsonschema.Schema
}

func compileSchema(raw []byte) (*compiledSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compiling input schema: %w", err)
	}
	return &compiledSchema{schema: schema}, nil
}

// validate checks a decoded input value against the schema.
func (c *compiledSchema) validate(raw []byte) error {
	if c == nil || c.schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return c.schema.Validate(value)
}
