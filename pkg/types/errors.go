// Package types holds the domain records, wire types and error taxonomy
// shared by the street coverage packages.
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. The offending item is skipped and
	// the surrounding batch continues.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing area, segment, trip or job.
	ErrNotFound = errors.New("not found")
	// ErrDependency marks an unavailable external source (geocoder, extract store).
	ErrDependency = errors.New("dependency unavailable")
)

// Validationf returns an error wrapping ErrValidation
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error wrapping ErrNotFound
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Dependencyf returns an error wrapping ErrDependency and, when given, the cause
func Dependencyf(cause error, format string, args ...any) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrDependency, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: %s: %w", ErrDependency, fmt.Sprintf(format, args...), cause)
}
