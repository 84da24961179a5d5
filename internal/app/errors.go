package app

import (
	"errors"
	"fmt"
)

// Application errors.
var (
	// ErrAlreadyRunning indicates Run was called on a running application.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrInitialization indicates an initialization failure.
	ErrInitialization = errors.New("initialization failed")
)

// InitError represents an initialization error.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Is matches ErrInitialization as well as the wrapped error.
func (e *InitError) Is(target error) bool {
	return target == ErrInitialization
}

// ComponentError represents an error from a running component.
type ComponentError struct {
	Component string // Component name (e.g., "agent", "metrics", "dispatcher")
	Action    string // Action being performed
	Err       error  // Underlying error
}

func (e *ComponentError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Action, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}
