package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates the registry file was not found.
	ErrConfigNotFound = errors.New("registry file not found")

	// ErrInvalidJSON indicates registry JSON parsing failed.
	ErrInvalidJSON = errors.New("invalid registry JSON")

	// ErrServerNotFound indicates a server was not found in the registry.
	ErrServerNotFound = errors.New("server not found")

	// ErrMissingRequiredField indicates a required field is missing.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps registry validation errors with context.
type ValidationError struct {
	Server string // server being validated
	Field  string // field name (optional)
	Err    error  // underlying error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("server '%s': field '%s': %v", e.Server, e.Field, e.Err)
	}
	return fmt.Sprintf("server '%s': %v", e.Server, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
