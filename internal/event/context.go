package event

import "github.com/dshills/vmtap/internal/phase"

// Context is what an observer callback receives. It is assembled once per
// delivery by BuildContext and is not modified afterwards.
type Context struct {
	// Observer is the ID of the receiving observer.
	Observer string

	Event Event

	// Thread is the thread the event is reported against. While a virtual
	// thread is mounted this is the virtual thread, not its carrier.
	Thread ThreadID

	// Carrier is the platform thread that raised the event.
	Carrier ThreadID

	Phase phase.Phase

	// Seq is a process-wide delivery sequence number.
	Seq uint64
}

// Kind is shorthand for c.Event.Kind.
func (c Context) Kind() Kind {
	return c.Event.Kind
}

// Virtual reports whether the event is attributed to a mounted virtual thread.
func (c Context) Virtual() bool {
	return c.Thread != c.Carrier
}

// Delivery holds the dispatcher-side inputs of BuildContext.
type Delivery struct {
	Observer string
	Phase    phase.Phase
	Seq      uint64

	// Effective is the thread the event is attributed to. NoThread means
	// the carrier itself.
	Effective ThreadID
}

// BuildContext assembles the callback context for one delivery of ev.
func BuildContext(ev Event, d Delivery) Context {
	thread := d.Effective
	if thread == NoThread {
		thread = ev.Thread
	}
	return Context{
		Observer: d.Observer,
		Event:    ev,
		Thread:   thread,
		Carrier:  ev.Thread,
		Phase:    d.Phase,
		Seq:      d.Seq,
	}
}
