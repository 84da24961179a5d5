package observer

import (
	"errors"

	"github.com/dshills/vmtap/internal/capability"
)

// Sentinel errors for the observer registry.
var (
	// ErrCapabilityConflict is returned by Register for an ungrantable
	// capability set.
	ErrCapabilityConflict = capability.ErrCapabilityConflict

	// ErrCapabilityViolation is returned when enabling or hooking a kind
	// whose prerequisite capability the observer does not hold.
	ErrCapabilityViolation = errors.New("observer lacks required capability")

	// ErrObserverDisposed is returned for operations on a disposed observer.
	ErrObserverDisposed = errors.New("observer has been disposed")

	// ErrUnknownKind is returned for undefined event kinds.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrInvalidScope is returned when a globally scoped kind is enabled
	// for a single thread.
	ErrInvalidScope = errors.New("event kind cannot be enabled per thread")

	// ErrForeignObserver is returned when an observer is passed to a
	// registry it was not registered with.
	ErrForeignObserver = errors.New("observer belongs to another registry")
)
