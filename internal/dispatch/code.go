package dispatch

import (
	"context"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/phase"
	"github.com/dshills/vmtap/internal/threadstate"
)

// PostCompiledMethodLoad queues a notification that method was compiled to
// code. info is copied.
func (d *Dispatcher) PostCompiledMethodLoad(method event.MethodRef, code event.CodeRange, info []byte) {
	if !d.registry.AnyEnabled(event.CompiledMethodLoad) {
		return
	}
	ev := event.New(event.CompiledMethodLoad, event.NoThread).At(method, event.NoLocation)
	ev.Payload.Code = code
	ev.Payload.CompileInfo = info
	d.enqueue(ev)
}

// PostCompiledMethodUnload queues a notification that the code for method
// at addr was discarded.
func (d *Dispatcher) PostCompiledMethodUnload(method event.MethodRef, addr uintptr) {
	if !d.registry.AnyEnabled(event.CompiledMethodUnload) {
		return
	}
	ev := event.New(event.CompiledMethodUnload, event.NoThread).At(method, event.NoLocation)
	ev.Payload.Code = event.CodeRange{Name: method.String(), Address: addr}
	d.enqueue(ev)
}

// PostDynamicCodeGenerated reports a generated code stub. While the runtime
// is starting the event is delivered on thread; afterwards it is deferred.
func (d *Dispatcher) PostDynamicCodeGenerated(ctx context.Context, thread event.ThreadID, code event.CodeRange) {
	if !d.registry.AnyEnabled(event.DynamicCodeGenerated) {
		return
	}
	d.postDynamicCode(ctx, dynamicCodeEvent(thread, code))
}

func (d *Dispatcher) postDynamicCode(ctx context.Context, ev event.Event) {
	if cur := d.gate.Current(); cur == phase.Primordial || cur == phase.Start {
		carrier, eff := d.state(ev.Thread)
		d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
		return
	}
	d.enqueue(ev)
}

// PostDynamicCodeGeneratedWhileHoldingLocks reports a generated stub from a
// context that may not run callbacks. The event is recorded in the thread's
// dynamic code collector if one is open, otherwise deferred.
func (d *Dispatcher) PostDynamicCodeGeneratedWhileHoldingLocks(thread event.ThreadID, code event.CodeRange) {
	if !d.registry.AnyEnabled(event.DynamicCodeGenerated) {
		return
	}
	ev := dynamicCodeEvent(thread, code)
	if s := d.threads.Get(thread); s != nil && s.RecordInCollector(threadstate.CategoryDynamicCode, ev) {
		return
	}
	d.enqueue(ev)
}

// CollectDynamicCode opens a dynamic code collector on thread. Stubs
// reported while it is open are posted when it ends:
//
//	c := d.CollectDynamicCode(ctx, thread)
//	defer c.End()
func (d *Dispatcher) CollectDynamicCode(ctx context.Context, thread event.ThreadID) *threadstate.Collector {
	active := d.registry.AnyEnabled(event.DynamicCodeGenerated)
	return threadstate.BeginCollector(d.threads.GetOrCreate(thread), threadstate.CategoryDynamicCode, active,
		func(events []event.Event) {
			for _, ev := range events {
				d.postDynamicCode(ctx, ev)
			}
		})
}

func dynamicCodeEvent(thread event.ThreadID, code event.CodeRange) event.Event {
	ev := event.New(event.DynamicCodeGenerated, thread)
	ev.Payload.Code = code
	return ev
}

// PostNativeMethodBind reports that method is being bound to native code at
// addr and returns the address to bind. Observers with a bind hook may
// substitute their own address; later observers see the substitution.
func (d *Dispatcher) PostNativeMethodBind(ctx context.Context, thread event.ThreadID, method event.MethodRef, addr uintptr) uintptr {
	carrier, eff := d.state(thread)
	ev := event.New(event.NativeMethodBind, thread).At(method, event.NoLocation)
	ev.Payload.NativeAddress = addr

	d.dispatch(ctx, ev, route{
		carrier: carrier,
		eff:     eff,
		resolve: func(o *observer.Observer) observer.Callback {
			hook := o.NativeBindHook()
			if hook == nil {
				return o.Callback(event.NativeMethodBind)
			}
			return func(ctx context.Context, ec event.Context) {
				ec.Event.Payload.NativeAddress = addr
				if next := hook(ctx, ec, addr); next != 0 {
					addr = next
				}
			}
		},
	})
	return addr
}
