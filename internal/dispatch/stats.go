package dispatch

import "sync/atomic"

type stats struct {
	posted            atomic.Uint64
	delivered         atomic.Uint64
	malformed         atomic.Uint64
	droppedPhase      atomic.Uint64
	droppedHidden     atomic.Uint64
	droppedCapability atomic.Uint64
	droppedDedupe     atomic.Uint64
	deferred          atomic.Uint64
	deferredDropped   atomic.Uint64
}

// Stats contains dispatcher statistics.
type Stats struct {
	// Posted is the number of events that entered dispatch.
	Posted uint64

	// Delivered is the number of callback invocations.
	Delivered uint64

	// Malformed is the number of events rejected before dispatch.
	Malformed uint64

	// DroppedPhase is the number of events dropped by the phase gate.
	DroppedPhase uint64

	// DroppedHidden is the number of events dropped because the posting
	// thread had events hidden or was mounting.
	DroppedHidden uint64

	// DroppedCapability is the number of deliveries withheld from
	// observers that lack the event's capability.
	DroppedCapability uint64

	// DroppedDedupe is the number of repeated deliveries suppressed at an
	// unchanged location.
	DroppedDedupe uint64

	// Deferred is the number of events handed to the deferred queue.
	Deferred uint64

	// DeferredDropped is the number of events the deferred queue refused.
	DeferredDropped uint64

	// CallbackPanics is the number of panics recovered on the drain
	// goroutine.
	CallbackPanics uint64

	// Queue holds the deferred queue statistics.
	Queue QueueStats
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	q := d.queue.Stats()
	return Stats{
		Posted:            d.stats.posted.Load(),
		Delivered:         d.stats.delivered.Load(),
		Malformed:         d.stats.malformed.Load(),
		DroppedPhase:      d.stats.droppedPhase.Load(),
		DroppedHidden:     d.stats.droppedHidden.Load(),
		DroppedCapability: d.stats.droppedCapability.Load(),
		DroppedDedupe:     d.stats.droppedDedupe.Load(),
		Deferred:          d.stats.deferred.Load(),
		DeferredDropped:   d.stats.deferredDropped.Load(),
		CallbackPanics:    q.Panicked,
		Queue:             q,
	}
}
