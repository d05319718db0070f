package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrFinalized is returned when a derived layer is added after the tree
	// state has been handed out.
	ErrFinalized = errors.New("tree: derived layers cannot be added after the state has been accessed")
	// ErrNotObject is returned when an object-shaped value was required.
	ErrNotObject = errors.New("tree: value is not an object")
	// ErrSecurity is returned when the initial state violates the security options.
	ErrSecurity = errors.New("tree: security violation")
	// ErrReadonly is returned when assigning into a computed value.
	ErrReadonly = errors.New("tree: position is read-only")
)

// MergeConflictError reports a derived namespace colliding with a live value.
type MergeConflictError struct {
	Path     string
	Existing string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("tree: cannot merge derived object into %q: it already holds a %s", e.Path, e.Existing)
}

// MaterializeError wraps a marker factory failure.
type MaterializeError struct {
	Path  string
	Cause error
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("tree: materializing marker at %q: %v", e.Path, e.Cause)
}

func (e *MaterializeError) Unwrap() error {
	return e.Cause
}
