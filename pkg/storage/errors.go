package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a record does not exist or belongs to
	// another tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a record with the same key already exists,
	// such as a second chat turn for one invocation.
	ErrConflict = errors.New("already exists")

	// ErrUnknownComponent is returned when a state update names a component
	// that is not enabled in the pipeline.
	ErrUnknownComponent = errors.New("component is not enabled in pipeline")
)
