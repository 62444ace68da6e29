package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResults is returned when a lookup matches nothing.
	ErrNoResults = errors.New("no results found")

	// ErrInvalidScan is returned when row scanning fails.
	ErrInvalidScan = errors.New("invalid row scan")

	// ErrDatabaseConnection is returned for connection issues.
	ErrDatabaseConnection = errors.New("database connection error")
)

// QueryError wraps a query failure with operation context.
func QueryError(err error, operation string, details string) error {
	if details != "" {
		return fmt.Errorf("%s: %s: %w", operation, details, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// ConnectionError wraps connection errors with context.
func ConnectionError(err error, details string) error {
	baseErr := fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	if details != "" {
		return fmt.Errorf("%s: %s", details, baseErr.Error())
	}
	return baseErr
}

// SchemaError wraps migration and schema errors.
func SchemaError(err error, operation string) error {
	return fmt.Errorf("schema %s failed: %w", operation, err)
}

// ValidationError reports a point that cannot be persisted as given.
func ValidationError(what string, reason string) error {
	return fmt.Errorf("validation error for %s: %s", what, reason)
}

// IsNoResults checks if the error is a "no results" error.
func IsNoResults(err error) bool {
	return errors.Is(err, ErrNoResults)
}
