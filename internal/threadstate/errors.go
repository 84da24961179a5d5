package threadstate

import (
	"errors"
	"fmt"
)

// Sentinel errors for thread state operations.
var (
	// ErrInvalidTransition is returned for an illegal mount state change.
	ErrInvalidTransition = errors.New("invalid mount state transition")

	// ErrFramePopRejected is returned when a frame pop request cannot be
	// honored, e.g. for the top frame while it is already exiting.
	ErrFramePopRejected = errors.New("frame pop request rejected")

	// ErrNoThreadState is returned when a thread has no instrumentation state.
	ErrNoThreadState = errors.New("no instrumentation state for thread")
)

// TransitionError describes an illegal mount state change.
type TransitionError struct {
	From MountState
	To   MountState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("mount state %s -> %s", e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
