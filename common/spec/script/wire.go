package script

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// wireSchema is compiled once at package init. The schema enforces the wire
// shape, including the kind/payload exclusivity rule, before any Go-level
// validation runs.
var wireSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("script.schema.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		panic(fmt.Sprintf("script: add schema resource: %v", err))
	}
	return c.MustCompile("script.schema.json")
}()

// ParseJSON decodes a single script definition from its on-the-wire JSON
// shape, validating it against the embedded JSON Schema and the Go-level
// Validate rules. It is the canonical entry point for importing scripts.
func ParseJSON(data []byte) (*ScriptDefinition, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("script parse: %w", err)
	}
	if err := wireSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("script schema: %w", err)
	}

	var def ScriptDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("script parse: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("script validate: %w", err)
	}
	return &def, nil
}

// ParseYAML decodes a script definition from YAML by converting it to the
// JSON wire shape first, so both formats share one schema and one set of
// validation rules.
func ParseYAML(data []byte) (*ScriptDefinition, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("script parse yaml: %w", err)
	}
	jsonData, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("script parse yaml: %w", err)
	}
	return ParseJSON(jsonData)
}

// MarshalWire encodes def into the on-the-wire JSON shape.
func MarshalWire(def *ScriptDefinition) ([]byte, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("script marshal: %w", err)
	}
	return json.Marshal(def)
}
