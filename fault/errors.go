/*
errors.go - Centralized error taxonomy for the residence registry

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every package raises one of these categories so callers (the workflow,
  the HTTP layer, the reconcile CLI) can branch on the category without
  knowing which component failed.

ERROR CATEGORIES:
  1. Validation - malformed input, hierarchy mismatch, bad asset
  2. NotFound   - referenced entity or asset path does not exist
  3. Conflict   - reassignment without override, outstanding debt
  4. Storage    - filesystem read/write failure
  5. Structural - reconciler could not apply an additive change

USAGE:
  Match categories with errors.Is, extract details with errors.As:

    if errors.Is(err, fault.ErrConflict) {
        ...
    }
    var nf *fault.NotFoundError
    if errors.As(err, &nf) {
        log.Printf("missing %s %s", nf.Kind, nf.ID)
    }

SEE ALSO:
  - hierarchy/store.go: Store contract raising these errors
  - api/handlers.go: HTTP status mapping
*/
package fault

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input or hierarchy mismatches.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced entity or path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation collides with existing state.
	ErrConflict = errors.New("conflict")

	// ErrStorage is returned when the asset filesystem fails.
	ErrStorage = errors.New("storage failure")

	// ErrStructural is returned when a schema change cannot be applied.
	ErrStructural = errors.New("structural change blocked")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError names the missing entity kind and its identifier.
type NotFoundError struct {
	Kind string // "property", "level", "unit", "occupant", "asset"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError describes a collision with existing state.
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %q: %s", e.Kind, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// StorageError wraps a filesystem failure with the operation and path.
type StorageError struct {
	Op   string // "read", "write", "mkdir", "list"
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes both the category sentinel and the underlying cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// StructuralError records an additive schema change that could not be applied.
type StructuralError struct {
	Table  string
	Object string // column, constraint or index name
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	msg := fmt.Sprintf("structural change on %s.%s blocked: %s", e.Table, e.Object, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructuralError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStructural}
	}
	return []error{ErrStructural, e.Err}
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func Conflict(kind, id, format string, args ...any) error {
	return &ConflictError{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}
