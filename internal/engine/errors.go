package engine

import (
	"errors"
	"fmt"

	"github.com/seantiz/kiln/internal/module"
)

var (
	// ErrNotFound is returned for unknown or purged job ids, and for a saved
	// model that no longer exists on disk.
	ErrNotFound = errors.New("training not found")

	// ErrConflict is returned when submitting under an id whose job has not
	// reached a terminal state.
	ErrConflict = errors.New("training id is in use by a live job")

	// ErrConfig is returned for invalid trainer configuration.
	ErrConfig = errors.New("invalid trainer configuration")

	// ErrPrecondition is returned when a result cannot be loaded because the
	// job was not set up to produce a reachable one.
	ErrPrecondition = errors.New("precondition failed")

	// ErrCanceled is returned when loading the result of a canceled job.
	ErrCanceled = errors.New("training was canceled")

	// ErrUnknownKind is returned when submitting a kind that is not registered.
	ErrUnknownKind = module.ErrUnknownKind
)

// ExecutionError reports that a job's training run failed.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("training %s failed: %v", e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
