package registry

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a record whose identity is
	// already taken by a live record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrCycleDetected is returned when adding a blocker edge would create a
	// cycle in the blocker graph. The store is left unchanged.
	ErrCycleDetected = errors.New("blocker would create a circular dependency")
)

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is a duplicate-record error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsCycleDetected reports whether err is a blocker-cycle rejection.
func IsCycleDetected(err error) bool {
	return errors.Is(err, ErrCycleDetected)
}
