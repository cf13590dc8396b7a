package admission

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// jobDescriptorSchemaJSON is the canonical job-descriptor schema from
// SPEC_FULL.md §7 (EXTERNAL INTERFACES), compiled once at process start.
// Loaded inline rather than from a file on disk, since the descriptor shape
// is part of this kernel's contract rather than an externally-versioned
// artifact.
const jobDescriptorSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["username", "orders"],
  "properties": {
    "username": {"type": "string", "minLength": 1},
    "flow_label": {"type": "string"},
    "trace_id": {"type": "string"},
    "run_id": {"type": "string"},
    "job_timeout_s": {"type": "integer", "minimum": 1},
    "pr_reference": {"type": "object"},
    "encryption_key_ref": {"type": "string"},
    "orders": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["cmds", "timeout_s"],
        "properties": {
          "order_name": {"type": "string"},
          "execution_target": {"type": "string", "enum": ["inline", "container", "remote-agent"]},
          "use_lambda": {"type": "boolean"},
          "cmds": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "timeout_s": {"type": "integer", "exclusiveMinimum": 0},
          "must_succeed": {"type": "boolean"},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "queue_id": {"type": "string"},
          "env_vars": {"type": "object"},
          "config_paths": {"type": "array", "items": {"type": "string"}},
          "secret_paths": {"type": "array", "items": {"type": "string"}},
          "source": {"type": "object"}
        }
      }
    }
  }
}`

// SchemaValidator wraps a compiled jsonschema.Schema for job-descriptor
// pre-validation, ahead of the semantic checks in validate.go (dependency
// cycles, source variant exclusivity — outside what JSON Schema expresses).
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the canonical job-descriptor schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	schema, err := jsonschema.CompileString("job-descriptor.json", jobDescriptorSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile job descriptor schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks raw descriptor JSON against the schema.
func (v *SchemaValidator) Validate(raw []byte) error {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("malformed job descriptor JSON: %w", err)
	}
	if err := v.schema.Validate(data); err != nil {
		return fmt.Errorf("job descriptor failed schema validation: %w", err)
	}
	return nil
}
