package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when an admission would exceed the queue capacity
	ErrQueueFull = errors.New("incident queue is full")

	// ErrQueueClosed is returned when pushing to a closed queue
	ErrQueueClosed = errors.New("incident queue is closed")

	// ErrIllegalTransition is returned for a status change outside the state machine
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrPersistence is the sentinel wrapped by PersistenceError
	ErrPersistence = errors.New("persistence failed")
)

// PersistenceError is fatal for the current job: the job ends as failed
type PersistenceError struct {
	Stage string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}
