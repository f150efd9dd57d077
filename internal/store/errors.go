package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned (wrapped) when a task or parent ID is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap status transition loses.
	ErrConflict = errors.New("conflict")
	// ErrStale is returned by a Persister when the stored generation moved
	// past the one a snapshot was built from.
	ErrStale = errors.New("stale snapshot")
)

// ValidationError rejects malformed input before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Rules reported by ViolationError.
const (
	RuleCycle             = "cycle"
	RulePhaseOrder        = "phase_order"
	RuleSameParent        = "same_parent"
	RuleIndependentParent = "independent_parent"
	RuleUnknownTask       = "unknown_task"
	RuleDependencyTypes   = "dependency_types"
	RuleParentLink        = "parent_link"
)

// ViolationError reports a dependency edge that would break a structural
// rule of the task graph.
type ViolationError struct {
	From string
	To   string
	Rule string
}

func (e *ViolationError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("violation (%s) at %s", e.Rule, e.From)
	}
	return fmt.Sprintf("violation (%s): %s -> %s", e.Rule, e.From, e.To)
}

// CollaboratorError wraps a failure from an external collaborator (AI
// engine, embedding model, board).
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsViolation reports whether err carries a ViolationError.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}
