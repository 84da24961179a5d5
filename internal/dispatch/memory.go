package dispatch

import (
	"context"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/threadstate"
)

// RecordVMInternalAllocation records an object the runtime allocated on
// thread's behalf. It is reported when the thread's allocation collector
// ends; without an open collector nothing is recorded.
func (d *Dispatcher) RecordVMInternalAllocation(thread event.ThreadID, alloc event.Allocation) bool {
	return d.recordAlloc(event.VMObjectAlloc, threadstate.CategoryVMObjectAlloc, thread, alloc)
}

// RecordSampledAllocation records a sampled allocation on thread for
// reporting when its sampled allocation collector ends.
func (d *Dispatcher) RecordSampledAllocation(thread event.ThreadID, alloc event.Allocation) bool {
	return d.recordAlloc(event.SampledObjectAlloc, threadstate.CategorySampledAlloc, thread, alloc)
}

func (d *Dispatcher) recordAlloc(k event.Kind, cat threadstate.Category, thread event.ThreadID, alloc event.Allocation) bool {
	if !d.registry.AnyEnabled(k) {
		return false
	}
	s := d.threads.Get(thread)
	if s == nil {
		return false
	}
	return s.RecordInCollector(cat, allocEvent(k, thread, alloc))
}

// CollectVMObjectAllocs opens a runtime allocation collector on thread.
// Recorded allocations are posted when it ends:
//
//	c := d.CollectVMObjectAllocs(ctx, thread)
//	defer c.End()
func (d *Dispatcher) CollectVMObjectAllocs(ctx context.Context, thread event.ThreadID) *threadstate.Collector {
	return d.collectAllocs(ctx, event.VMObjectAlloc, threadstate.CategoryVMObjectAlloc, thread)
}

// CollectSampledAllocs opens a sampled allocation collector on thread. It
// is disabled if one is already open.
func (d *Dispatcher) CollectSampledAllocs(ctx context.Context, thread event.ThreadID) *threadstate.Collector {
	return d.collectAllocs(ctx, event.SampledObjectAlloc, threadstate.CategorySampledAlloc, thread)
}

func (d *Dispatcher) collectAllocs(ctx context.Context, k event.Kind, cat threadstate.Category, thread event.ThreadID) *threadstate.Collector {
	s := d.threads.GetOrCreate(thread)
	return threadstate.BeginCollector(s, cat, d.registry.AnyEnabled(k), func(events []event.Event) {
		carrier, eff := d.state(thread)
		for _, ev := range events {
			d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
		}
	})
}

// PostVMObjectAlloc reports a runtime allocation immediately.
func (d *Dispatcher) PostVMObjectAlloc(ctx context.Context, thread event.ThreadID, alloc event.Allocation) {
	carrier, eff := d.state(thread)
	d.dispatch(ctx, allocEvent(event.VMObjectAlloc, thread, alloc), route{carrier: carrier, eff: eff})
}

// PostSampledObjectAlloc reports a sampled allocation immediately.
func (d *Dispatcher) PostSampledObjectAlloc(ctx context.Context, thread event.ThreadID, alloc event.Allocation) {
	carrier, eff := d.state(thread)
	d.dispatch(ctx, allocEvent(event.SampledObjectAlloc, thread, alloc), route{carrier: carrier, eff: eff})
}

func allocEvent(k event.Kind, thread event.ThreadID, alloc event.Allocation) event.Event {
	ev := event.New(k, thread)
	ev.Class = alloc.Class
	ev.Payload.Alloc = alloc
	return ev
}

// PostObjectFree queues a free notification to o for each tag. Frees are
// found during collection, so delivery is deferred.
func (d *Dispatcher) PostObjectFree(o *observer.Observer, tags ...int64) {
	if o.Disposed() || !o.MayBeEnabled(event.ObjectFree) {
		return
	}
	for _, tag := range tags {
		ev := event.New(event.ObjectFree, event.NoThread).To(o.ID())
		ev.Payload.Tag = tag
		d.enqueue(ev)
	}
}

// PostResourceExhausted reports that the runtime ran out of a resource.
func (d *Dispatcher) PostResourceExhausted(ctx context.Context, thread event.ThreadID, flags event.ResourceFlags, description string) {
	carrier, eff := d.state(thread)
	ev := event.New(event.ResourceExhausted, thread)
	ev.Payload.Resource = flags
	ev.Payload.Description = description
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// PostDataDump reports an external request to dump diagnostic data.
func (d *Dispatcher) PostDataDump(ctx context.Context, thread event.ThreadID) {
	carrier, eff := d.state(thread)
	d.dispatch(ctx, event.New(event.DataDumpRequest, thread), route{carrier: carrier, eff: eff})
}
