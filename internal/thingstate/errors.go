package thingstate

import "errors"

// Domain errors for the thing state store.
var (
	// ErrNotFound is returned when no state exists for a thing and band.
	ErrNotFound = errors.New("thingstate: not found")

	// ErrInvalidRecord is returned when a record has no thing id or band,
	// or its value is not valid JSON.
	ErrInvalidRecord = errors.New("thingstate: invalid record")

	// ErrPermissionDenied is returned when Subscribe is called for an owner
	// other than the store owner.
	ErrPermissionDenied = errors.New("thingstate: permission denied")
)
