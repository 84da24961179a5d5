// Package phase implements the lifecycle gate that decides which
// instrumentation events may flow at a given stage of the runtime.
//
// Phases form a total order and only ever move forward:
//
//	Primordial -> Start -> OnLoad -> Live -> Dead
//
// Every event kind declares a minimum phase. Events posted before that phase
// (or after the gate reaches Dead) are dropped silently by the dispatcher.
package phase

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Phase is a runtime lifecycle stage.
type Phase int32

const (
	// Primordial is the phase before any managed code has run.
	Primordial Phase = iota

	// Start is entered once the runtime can create threads and load classes.
	Start

	// OnLoad is the phase in which agents finish loading.
	OnLoad

	// Live is the fully initialized runtime.
	Live

	// Dead is entered at shutdown; no event is delivered afterwards.
	Dead
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Primordial:
		return "primordial"
	case Start:
		return "start"
	case OnLoad:
		return "onload"
	case Live:
		return "live"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	return p >= Primordial && p <= Dead
}

// ErrFatalProtocol marks violations of the gate's internal invariants.
// These indicate corrupted runtime state, not a recoverable user error.
var ErrFatalProtocol = errors.New("fatal instrumentation protocol error")

// ProtocolError describes an illegal phase transition.
type ProtocolError struct {
	From Phase
	To   Phase
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}

// Is matches ErrFatalProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrFatalProtocol
}

// AdvanceHook is invoked after a successful transition.
type AdvanceHook func(from, to Phase)

// Gate is the lifecycle state machine. The zero value is a gate in the
// Primordial phase.
type Gate struct {
	current atomic.Int32

	// mu serializes writers; readers use the atomic.
	mu    sync.Mutex
	hooks []AdvanceHook

	earlyStart atomic.Bool
}

// NewGate returns a gate in the Primordial phase.
func NewGate() *Gate {
	return &Gate{}
}

// Current returns the current phase without locking.
func (g *Gate) Current() Phase {
	return Phase(g.current.Load())
}

// AtLeast reports whether the gate has reached p.
func (g *Gate) AtLeast(p Phase) bool {
	return g.Current() >= p
}

// Advance moves the gate to p. Re-entering the current phase is a no-op;
// anything other than the immediate successor is a protocol error.
func (g *Gate) Advance(p Phase) error {
	g.mu.Lock()
	from := g.Current()
	if p == from {
		g.mu.Unlock()
		return nil
	}
	if !p.Valid() || p != from+1 {
		g.mu.Unlock()
		return &ProtocolError{From: from, To: p}
	}
	g.current.Store(int32(p))
	hooks := g.hooks
	g.mu.Unlock()

	for _, h := range hooks {
		h(from, p)
	}
	return nil
}

// MustAdvance is Advance that panics on a protocol error.
func (g *Gate) MustAdvance(p Phase) {
	if err := g.Advance(p); err != nil {
		panic(err)
	}
}

// OnAdvance registers a hook run after every successful transition.
func (g *Gate) OnAdvance(h AdvanceHook) {
	if h == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	hooks := make([]AdvanceHook, len(g.hooks), len(g.hooks)+1)
	copy(hooks, g.hooks)
	g.hooks = append(hooks, h)
}

// RecordEarlyStart marks that the early VM start notification was issued
// while the gate was still primordial.
func (g *Gate) RecordEarlyStart() {
	g.earlyStart.Store(true)
}

// EarlyStartRecorded reports whether RecordEarlyStart was called.
func (g *Gate) EarlyStartRecorded() bool {
	return g.earlyStart.Load()
}

// IsEarly reports whether the gate is still primordial.
func (g *Gate) IsEarly() bool {
	return g.Current() <= Primordial
}
