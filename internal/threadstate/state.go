package threadstate

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
)

// Mode is a thread's execution mode.
type Mode int32

const (
	// ModeInVM is runtime-internal code.
	ModeInVM Mode = iota

	// ModeInManaged is managed code.
	ModeInManaged

	// ModeInNative is native code outside the runtime.
	ModeInNative

	// ModeObserverCallback is an observer callback running on the thread.
	ModeObserverCallback
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeInVM:
		return "in_vm"
	case ModeInManaged:
		return "in_managed"
	case ModeInNative:
		return "in_native"
	case ModeObserverCallback:
		return "observer_callback"
	default:
		return "unknown"
	}
}

// ExceptionState tracks one exception's lifecycle on a thread.
type ExceptionState uint8

const (
	ExceptionNone ExceptionState = iota
	ExceptionDetected
	ExceptionCaught
)

const unknownDepth = -1

// State is the instrumentation bookkeeping of one thread.
//
// Fields without their own synchronization are owned by the thread itself.
// Other goroutines may only touch the observer state table, the frame pop
// requests (through the Manager) and the atomics.
type State struct {
	id      event.ThreadID
	name    string
	virtual bool
	mgr     *Manager

	mode   atomic.Int32
	hidden atomic.Int32

	exception  ExceptionState
	depth      int
	oracle     func() int
	stepHidden int
	topExiting atomic.Bool
	collectors [categoryCount]*Collector

	mount   atomic.Int32
	mounted atomic.Int64

	otsMu sync.Mutex
	ots   map[*observer.Observer]*ObserverState
}

func newState(mgr *Manager, id event.ThreadID, name string, virtual bool) *State {
	s := &State{
		id:      id,
		name:    name,
		virtual: virtual,
		mgr:     mgr,
		depth:   unknownDepth,
		ots:     make(map[*observer.Observer]*ObserverState),
	}
	s.mode.Store(int32(ModeInVM))
	return s
}

// ID returns the thread ID.
func (s *State) ID() event.ThreadID {
	return s.id
}

// Name returns the thread name.
func (s *State) Name() string {
	return s.name
}

// Virtual reports whether this is a virtual thread.
func (s *State) Virtual() bool {
	return s.virtual
}

// Mode returns the current execution mode.
func (s *State) Mode() Mode {
	return Mode(s.mode.Load())
}

// SetMode switches the execution mode and returns the previous one.
func (s *State) SetMode(m Mode) Mode {
	return Mode(s.mode.Swap(int32(m)))
}

// HideEvents suppresses event delivery on this thread until the matching
// ExposeEvents. Calls nest.
func (s *State) HideEvents() {
	s.hidden.Add(1)
}

// ExposeEvents undoes one HideEvents.
func (s *State) ExposeEvents() {
	if s.hidden.Add(-1) < 0 {
		s.hidden.Store(0)
	}
}

// EventsHidden reports whether events raised on this thread are dropped.
func (s *State) EventsHidden() bool {
	return s.hidden.Load() > 0
}

// Exception returns the exception lifecycle state.
func (s *State) Exception() ExceptionState {
	return s.exception
}

// IsExceptionDetected reports whether a thrown exception has been reported.
func (s *State) IsExceptionDetected() bool {
	return s.exception == ExceptionDetected
}

// IsExceptionCaught reports whether the current exception reached a handler.
func (s *State) IsExceptionCaught() bool {
	return s.exception == ExceptionCaught
}

// SetExceptionDetected marks a newly thrown exception.
func (s *State) SetExceptionDetected() {
	s.exception = ExceptionDetected
}

// SetExceptionCaught marks the current exception as caught.
func (s *State) SetExceptionCaught() {
	s.exception = ExceptionCaught
}

// ClearExceptionState resets the exception lifecycle.
func (s *State) ClearExceptionState() {
	s.exception = ExceptionNone
}

// SetDepthOracle installs the function used to recompute the stack depth
// after the cache has been invalidated.
func (s *State) SetDepthOracle(fn func() int) {
	s.oracle = fn
}

// CurrentDepth returns the cached stack depth, recomputing it through the
// oracle if the cache is invalid. Without an oracle an invalid cache
// restarts at zero.
func (s *State) CurrentDepth() int {
	if s.depth == unknownDepth {
		if s.oracle != nil {
			s.depth = s.oracle()
		} else {
			s.depth = 0
		}
	}
	return s.depth
}

// DepthValid reports whether the cached depth can be used without
// recomputation.
func (s *State) DepthValid() bool {
	return s.depth != unknownDepth
}

// InvalidateDepth discards the cached depth. It must be called after any
// operation that changes the stack shape behind the dispatcher's back.
func (s *State) InvalidateDepth() {
	s.depth = unknownDepth
}

// IncrDepth records a pushed frame. An invalid cache stays invalid.
func (s *State) IncrDepth() {
	if s.depth != unknownDepth {
		s.depth++
	}
}

// DecrDepth records a popped frame. An invalid cache stays invalid.
func (s *State) DecrDepth() {
	if s.depth > 0 {
		s.depth--
	}
}

// HideSingleStepping suppresses single-step events until
// ExposeSingleStepping. Calls nest.
func (s *State) HideSingleStepping() {
	s.stepHidden++
}

// ExposeSingleStepping undoes one HideSingleStepping.
func (s *State) ExposeSingleStepping() {
	if s.stepHidden > 0 {
		s.stepHidden--
	}
}

// SingleSteppingHidden reports whether single-step events are suppressed.
func (s *State) SingleSteppingHidden() bool {
	return s.stepHidden > 0
}

// SetTopFrameExiting marks the top frame as being popped.
func (s *State) SetTopFrameExiting(on bool) {
	s.topExiting.Store(on)
}

// TopFrameExiting reports whether the top frame is being popped.
func (s *State) TopFrameExiting() bool {
	return s.topExiting.Load()
}

// ObserverState returns the per-observer state for o, or nil.
func (s *State) ObserverState(o *observer.Observer) *ObserverState {
	s.otsMu.Lock()
	defer s.otsMu.Unlock()
	return s.ots[o]
}

// ObserverStateFor returns the per-observer state for o, creating it.
func (s *State) ObserverStateFor(o *observer.Observer) *ObserverState {
	s.otsMu.Lock()
	defer s.otsMu.Unlock()
	return s.observerStateLocked(o)
}

func (s *State) observerStateLocked(o *observer.Observer) *ObserverState {
	os, ok := s.ots[o]
	if !ok {
		os = &ObserverState{observer: o, thread: s, location: event.NoLocation}
		s.ots[o] = os
	}
	return os
}

// ObserverStates returns the per-observer states in observer registration
// order.
func (s *State) ObserverStates() []*ObserverState {
	s.otsMu.Lock()
	out := make([]*ObserverState, 0, len(s.ots))
	for _, os := range s.ots {
		out = append(out, os)
	}
	s.otsMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].observer.Seq() < out[j].observer.Seq()
	})
	return out
}

// SetThreadEnabled implements observer.Scope.
func (s *State) SetThreadEnabled(o *observer.Observer, k event.Kind, on bool) bool {
	s.otsMu.Lock()
	defer s.otsMu.Unlock()

	os := s.observerStateLocked(o)
	cur := os.EnabledKinds()
	if cur.Has(k) == on {
		return false
	}
	if on {
		cur = cur.With(k)
	} else {
		cur = cur.Without(k)
	}
	os.enabled.Store(uint64(cur))
	return true
}

// ClearLocations resets the dedupe location cache of every observer state.
func (s *State) ClearLocations() {
	for _, os := range s.ObserverStates() {
		os.ClearLocation()
	}
}

// dropObserver removes o's entry and returns the kinds it had enabled.
func (s *State) dropObserver(o *observer.Observer) event.KindSet {
	s.otsMu.Lock()
	defer s.otsMu.Unlock()
	os, ok := s.ots[o]
	if !ok {
		return 0
	}
	delete(s.ots, o)
	return os.EnabledKinds()
}

// release drops every observer entry and returns their enabled kinds.
func (s *State) release() map[*observer.Observer]event.KindSet {
	s.otsMu.Lock()
	defer s.otsMu.Unlock()
	out := make(map[*observer.Observer]event.KindSet)
	for o, os := range s.ots {
		if k := os.EnabledKinds(); k != 0 {
			out[o] = k
		}
	}
	s.ots = make(map[*observer.Observer]*ObserverState)
	return out
}
