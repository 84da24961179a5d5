package dispatch

import "errors"

// Sentinel errors for the dispatch package.
var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("dispatcher is already running")

	// ErrQueueNotRunning is returned when the deferred queue has not been
	// started or has been stopped.
	ErrQueueNotRunning = errors.New("deferred event queue is not running")

	// ErrResourceExhausted is returned when the deferred queue cannot take
	// another event.
	ErrResourceExhausted = errors.New("deferred event queue exhausted")
)
