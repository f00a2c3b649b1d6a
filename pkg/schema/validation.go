package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a workflow document, located
// by a path such as "steps[2].assert.status".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return fmt.Sprintf("%s: %s", i.Severity, i.Message)
	}
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ValidationResult collects the issues reported by the loader, the
// structural validator and the runner's dry validation.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// AddErr records err as an issue, keeping its code when it is a ReqflowError.
func (r *ValidationResult) AddErr(path string, err error) {
	if err == nil {
		return
	}
	var re *ReqflowError
	if errors.As(err, &re) {
		r.AddError(path, re.Code, re.Message)
		return
	}
	r.AddError(path, ErrCodeValidation, err.Error())
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Summary renders every issue on its own line, errors first.
func (r *ValidationResult) Summary() string {
	var b strings.Builder
	for _, i := range r.Errors {
		b.WriteString(i.String())
		b.WriteByte('\n')
	}
	for _, i := range r.Warnings {
		b.WriteString(i.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// ToError converts the result to a ReqflowError if invalid, nil if valid.
// A single issue keeps its own code.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code, msg := r.Errors[0].Code, r.Errors[0].Message
	if len(r.Errors) > 1 {
		code = ErrCodeValidation
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
