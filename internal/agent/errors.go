package agent

import "errors"

// Errors for agent scripts.
var (
	// ErrStateClosed is returned when operating on a closed script state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrInvalidScript is returned when a script has no usable agent table.
	ErrInvalidScript = errors.New("invalid agent script")

	// ErrUnknownCapability is returned for a capability name that does not
	// exist.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrUnknownEvent is returned for an event name that does not exist.
	ErrUnknownEvent = errors.New("unknown event kind")

	// ErrMissingHandler is returned when a declared event has no handler.
	ErrMissingHandler = errors.New("missing event handler")

	// ErrAlreadyAttached is returned when attaching a script twice.
	ErrAlreadyAttached = errors.New("agent already attached")

	// ErrNotAttached is returned when detaching a script that is not
	// attached.
	ErrNotAttached = errors.New("agent not attached")
)
