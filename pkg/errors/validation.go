package errors

import "fmt"

// ValidationError describes a single failed validation rule.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return fmt.Sprintf("field %q failed validation rule %q: %s", v.Field, v.Rule, v.Message)
}

// NewValidation returns a validation-typed *Error whose cause is a
// *ValidationError for field and rule.
func NewValidation(field, rule, message string) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: "record failed validation",
		Cause:   &ValidationError{Field: field, Rule: rule, Message: message},
		Details: map[string]interface{}{"field": field, "rule": rule},
		Stack:   captureStack(2),
	}
}
