package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/reqflow/pkg/schema"
)

const workflowSchemaURL = "https://reqflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the workflow document after YAML/TOML
// normalisation.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://reqflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "base_url": {"type": "string"},
    "dotenv": {"type": "string"},
    "variables": {"type": "object"},
    "environments": {
      "type": "object",
      "additionalProperties": {"type": "object"}
    },
    "headers": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/scalar"}
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "scalar": {"type": ["string", "number", "boolean"]},
    "duration": {
      "oneOf": [
        {"type": "number", "minimum": 0},
        {"type": "string", "pattern": "^\\s*([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)?)+\\s*$"}
      ]
    },
    "string_map": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/scalar"}
    },
    "script": {
      "oneOf": [
        {"type": "string"},
        {
          "type": "object",
          "properties": {
            "code": {"type": "string"},
            "file": {"type": "string"},
            "type": {"type": "string", "enum": ["lua"]}
          },
          "additionalProperties": false
        }
      ]
    },
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "protocol": {"type": "string", "enum": ["http", "graphql", "websocket", "grpc"]},
        "method": {"type": "string"},
        "url": {"type": "string"},
        "query": {"$ref": "#/$defs/string_map"},
        "headers": {"$ref": "#/$defs/string_map"},
        "body": {},
        "raw": {"type": "string"},
        "form": {"$ref": "#/$defs/string_map"},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "tags": {"type": "array", "items": {"type": "string"}},
        "skip_if": {"type": "string"},
        "extract": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "assert": {"$ref": "#/$defs/assert"},
        "retries": {"type": "integer", "minimum": 0},
        "retry_delay": {"$ref": "#/$defs/duration"},
        "timeout": {"$ref": "#/$defs/duration"},
        "delay": {"$ref": "#/$defs/duration"},
        "pre_script": {"$ref": "#/$defs/script"},
        "post_script": {"$ref": "#/$defs/script"},
        "script_assert": {"$ref": "#/$defs/script"},
        "graphql": {
          "type": "object",
          "required": ["query"],
          "properties": {
            "query": {"type": "string"},
            "variables": {"type": "object"},
            "operation_name": {"type": "string"}
          },
          "additionalProperties": false
        },
        "websocket": {
          "type": "object",
          "properties": {
            "messages": {"type": "array"},
            "read_count": {"type": "integer", "minimum": 0},
            "read_timeout": {"$ref": "#/$defs/duration"},
            "subprotocols": {"type": "array", "items": {"type": "string"}}
          },
          "additionalProperties": false
        },
        "grpc": {"type": "object"},
        "repeat": {"type": "integer", "minimum": 0},
        "foreach": {"type": ["string", "array"]},
        "foreach_var": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
        "while": {"type": "string"},
        "max_iterations": {"type": "integer", "minimum": 0},
        "fail_fast": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "assert": {
      "type": "object",
      "properties": {
        "status": {"type": ["string", "integer"]},
        "latency": {"type": ["string", "number"]},
        "headers": {
          "oneOf": [
            {"type": "object", "additionalProperties": {"type": "string"}},
            {"type": "array", "items": {"$ref": "#/$defs/header_rule"}}
          ]
        },
        "body": {
          "oneOf": [
            {"type": "object"},
            {"type": "array", "items": {"$ref": "#/$defs/body_rule"}}
          ]
        },
        "schema": {"type": ["object", "boolean"]},
        "expressions": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "header_rule": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "exists": {"type": "boolean"},
        "equals": {"type": "string"},
        "contains": {"type": "string"},
        "matches": {"type": "string"}
      },
      "additionalProperties": false
    },
    "body_rule": {
      "type": "object",
      "required": ["path"],
      "properties": {
        "path": {"type": "string", "minLength": 1},
        "equals": {},
        "contains": {},
        "matches": {"type": "string"},
        "type": {"type": "string"},
        "exists": {"type": "boolean"},
        "is_null": {"type": "boolean"},
        "greater_than": {"type": "number"},
        "less_than": {"type": "number"},
        "length": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks workflow documents against the workflow
// schema and response bodies against schemas declared in assertions.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled assertion schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wf,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a raw workflow document, as produced by the
// loader before decoding into schema types.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	if err := v.workflowSchema.Validate(val); err != nil {
		return toReqflowError(err)
	}
	return nil
}

// ValidateDefinition checks an already decoded definition.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return v.ValidateDocument(def)
}

// ValidateValue checks data against a JSON Schema given as a decoded
// value (map or bool) or raw JSON bytes. Compiled schemas are cached.
func (v *JSONSchemaValidator) ValidateValue(data any, schemaDoc any) error {
	var raw []byte
	switch s := schemaDoc.(type) {
	case nil:
		return nil
	case []byte:
		raw = s
	case json.RawMessage:
		raw = s
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "failed to serialize schema").WithCause(err)
		}
		raw = b
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toReqflowError(err)
	}
	return nil
}

// CheckSchema compiles schemaDoc without validating anything against it.
func (v *JSONSchemaValidator) CheckSchema(schemaDoc any) error {
	b, err := json.Marshal(schemaDoc)
	if err != nil {
		return err
	}
	_, err = v.getOrCompile(b)
	return err
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("reqflow://assert-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// Violations returns the per-location messages carried by a validation
// error, or nil.
func Violations(err error) []string {
	var re *schema.ReqflowError
	if !errors.As(err, &re) || re.Details == nil {
		return nil
	}
	v, _ := re.Details["violations"].([]string)
	return v
}

func toReqflowError(err error) *schema.ReqflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
