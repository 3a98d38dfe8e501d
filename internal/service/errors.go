package service

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when the caller does not own the claim.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized is returned when no caller identity was supplied.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError rejects a request before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
