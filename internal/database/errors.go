// internal/database/errors.go
package database

import (
	"errors"
	"fmt"
)

// ErrHostNotFound is returned by lookups for an unknown id or credential.
var ErrHostNotFound = errors.New("host not found")

// ErrStoreUnavailable is returned once the database file could not be
// reopened after a failed compaction.
var ErrStoreUnavailable = errors.New("database is not open")

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PersistenceError reports a failed durable write or read.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
