package validation

import (
	"errors"

	"github.com/rendis/reqflow/internal/expressions"
	"github.com/rendis/reqflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
// 1. Structural (JSON Schema, on the raw document when available)
// 2. Semantic (names, references, rule syntax)
// 3. DAG (cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	protocols  ProtocolLookup
	cel        ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator. protocols may be nil
// to skip transport availability checks.
func NewWorkflowValidator(protocols ProtocolLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		protocols:  protocols,
		cel:        celEngine,
	}, nil
}

// Schemas exposes the underlying JSON Schema validator.
func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator {
	return wv.jsonSchema
}

// ValidateDocument checks a raw document against the workflow schema.
func (wv *WorkflowValidator) ValidateDocument(doc any) *schema.ValidationResult {
	return structuralResult(wv.jsonSchema.ValidateDocument(doc))
}

// Validate runs the structural, semantic and DAG stages on a decoded
// definition. Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := structuralResult(wv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}

	result.Merge(wv.validateSemantic(def))

	// The DAG stage needs valid references.
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// structuralResult converts a JSON Schema error into one issue per
// violation.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	if violations := Violations(err); len(violations) > 0 {
		for _, v := range violations {
			result.AddError("", schema.ErrCodeValidation, v)
		}
		return result
	}

	var re *schema.ReqflowError
	if errors.As(err, &re) {
		result.AddError("", re.Code, re.Message)
		return result
	}
	result.AddError("", schema.ErrCodeValidation, err.Error())
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
