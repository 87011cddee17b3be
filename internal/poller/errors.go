package poller

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across package boundaries.
var (
	// ErrNotFound covers missing sources, empty query windows, and absent
	// runtime-state rows.
	ErrNotFound = errors.New("not found")
	// ErrSourceDisabled marks operations against a known but disabled source.
	ErrSourceDisabled = errors.New("source disabled")
	// ErrInvalidRange marks history queries with from > to or unparseable
	// bounds.
	ErrInvalidRange = errors.New("invalid range")
)

// ExtractionError wraps a failure to fetch or select fields from a page.
// It is per-run data, never fatal to the process.
type ExtractionError struct {
	SourceID string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract source %s: %v", e.SourceID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ValidationError wraps a normalized result that fails the declared output
// shape. Scheduling treats it exactly like an ExtractionError.
type ValidationError struct {
	SourceID string
	Field    string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate source %s field %s: %v", e.SourceID, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
