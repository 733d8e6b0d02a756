// Package store holds the errors shared by the persistence backends.
package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyFinished is returned when finalizing an execution that is
	// no longer running.
	ErrAlreadyFinished = errors.New("store: execution already finished")
)
