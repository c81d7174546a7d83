package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPartition is returned for an empty partition name.
	ErrInvalidPartition = errors.New("invalid partition name")
	// ErrInvalidLocalID is returned when a write is missing its local id.
	ErrInvalidLocalID = errors.New("local id is required")
	// ErrInvalidAction is returned for an action outside create/update/delete.
	ErrInvalidAction = errors.New("invalid action")
	// ErrEmptyServerID guards the synced-implies-server-id invariant.
	ErrEmptyServerID = errors.New("server id is required to mark an entry synced")
	// ErrSchemaTooNew is returned when a stored payload was written by a newer
	// schema version than the reader understands.
	ErrSchemaTooNew = errors.New("record schema version is newer than supported")
)

// StorageError reports a failed local storage operation. Callers decide
// whether to retry; the store never turns a failure into a silent no-op.
type StorageError struct {
	Op        string
	Partition string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Partition != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Partition, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op, partition string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Partition: partition, Err: err}
}
