package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates malformed identifiers or values were rejected by the store.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates a uniqueness rule was violated.
	ErrConflict = errors.New("repository: conflict")
	// ErrStaleState indicates a compare-and-set lost against a concurrent writer.
	ErrStaleState = errors.New("repository: stale state")
)
