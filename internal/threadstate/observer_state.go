package threadstate

import (
	"sync/atomic"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
)

// ObserverState is the (observer, thread) record: thread-scoped enablement,
// the dedupe location cache and pending frame pop requests.
type ObserverState struct {
	observer *observer.Observer
	thread   *State

	enabled atomic.Uint64

	// Location cache. Owned by the thread.
	method      event.MethodRef
	location    event.Location
	hasLocation bool
	posted      event.KindSet

	// Frame pop requests keyed by absolute frame depth. Guarded by the
	// manager's frame pop lock.
	framePops map[int]struct{}
}

// Observer returns the owning observer.
func (os *ObserverState) Observer() *observer.Observer {
	return os.observer
}

// Thread returns the owning thread state.
func (os *ObserverState) Thread() *State {
	return os.thread
}

// EnabledKinds returns the kinds enabled for this thread only.
func (os *ObserverState) EnabledKinds() event.KindSet {
	return event.KindSet(os.enabled.Load())
}

// Enabled reports whether k is enabled for this thread.
func (os *ObserverState) Enabled(k event.Kind) bool {
	return os.EnabledKinds().Has(k)
}

// CompareAndSetLocation decides whether a dedupe-sensitive event of kind k
// at (m, loc) should be delivered. A new location resets the cache; at the
// cached location each kind is delivered at most once.
func (os *ObserverState) CompareAndSetLocation(k event.Kind, m event.MethodRef, loc event.Location) bool {
	if !os.hasLocation || os.method != m || os.location != loc {
		os.method = m
		os.location = loc
		os.hasLocation = true
		os.posted = event.KindsOf(k)
		return true
	}
	if os.posted.Has(k) {
		return false
	}
	os.posted = os.posted.With(k)
	return true
}

// UpdateLocation moves the cache to (m, loc) without marking any kind
// delivered. Staying at the cached location keeps what was delivered there.
func (os *ObserverState) UpdateLocation(m event.MethodRef, loc event.Location) {
	if os.hasLocation && os.method == m && os.location == loc {
		return
	}
	os.method = m
	os.location = loc
	os.hasLocation = true
	os.posted = 0
}

// CurrentLocation returns the cached location.
func (os *ObserverState) CurrentLocation() (event.MethodRef, event.Location, bool) {
	return os.method, os.location, os.hasLocation
}

// ClearLocation invalidates the dedupe cache.
func (os *ObserverState) ClearLocation() {
	os.method = event.MethodRef{}
	os.location = event.NoLocation
	os.hasLocation = false
	os.posted = 0
}
