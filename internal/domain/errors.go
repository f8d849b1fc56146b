package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost against a
	// concurrent or earlier write.
	ErrConflict = errors.New("conflict")
	// ErrSessionExpired is returned when the credentials used for a
	// persistence call have expired and must be refreshed.
	ErrSessionExpired = errors.New("session expired")
)
