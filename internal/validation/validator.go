package validation

import "github.com/rendis/reqflow/pkg/schema"

// Validator checks workflow definitions before a run.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDocument(doc any) *schema.ValidationResult
}

// ProtocolLookup reports whether a transport is available for a protocol.
type ProtocolLookup interface {
	Has(protocol string) bool
}

// ExpressionChecker compiles an assertion expression without running it.
type ExpressionChecker interface {
	Check(expression string) error
}
