// Package sentinel holds the store-level errors shared by every backend.
// Services translate them into domain errors; validation failures never use
// them.
package sentinel

import "errors"

var (
	// ErrNotFound means the row or entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a uniqueness rule was hit, such as a version number
	// already taken by a concurrent writer.
	ErrConflict = errors.New("conflict")
	// ErrClaimLost means a change entry is no longer held by the caller's
	// claim, usually because its lease expired and another worker took it.
	ErrClaimLost = errors.New("claim lost")
)
