// Package manifest parses the pipeline manifest: auth requirements, quality
// checks, packages to build and deploy targets.
// This is part of the Functional Core - all functions are pure with no I/O.
package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput  = errors.New("manifest is empty")
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	ErrMissingField     = errors.New("required field missing")
	ErrDuplicateName    = errors.New("duplicate name")
	ErrInvalidDuration  = errors.New("invalid duration")
	ErrUnknownValidator = errors.New("unknown validator")
	ErrUnknownPackage   = errors.New("target references unknown package")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "checks[2].timeout"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{Field: field, Message: message, Err: err}
}
