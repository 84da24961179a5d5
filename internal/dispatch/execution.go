package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/threadstate"
)

// PostMethodEntry records a new frame on thread and reports the entry.
func (d *Dispatcher) PostMethodEntry(ctx context.Context, thread event.ThreadID, method event.MethodRef) {
	carrier, eff := d.state(thread)
	if eff == nil {
		return
	}
	eff.IncrDepth()
	ev := event.New(event.MethodEntry, thread).At(method, event.NoLocation)
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// PostMethodExit reports a normal return from method with value ret.
func (d *Dispatcher) PostMethodExit(ctx context.Context, thread event.ThreadID, method event.MethodRef, ret any) {
	carrier, eff := d.state(thread)
	if eff == nil {
		return
	}
	d.methodExit(ctx, carrier, eff, method, ret, false)
}

// methodExit reports the exit of the top frame, then any frame pop
// requested for it, and pops the frame from the depth cache.
func (d *Dispatcher) methodExit(ctx context.Context, carrier, eff *threadstate.State, method event.MethodRef, ret any, exceptionExit bool) {
	depth := eff.CurrentDepth()
	eff.SetTopFrameExiting(true)
	defer func() {
		eff.SetTopFrameExiting(false)
		eff.ClearLocations()
		eff.DecrDepth()
	}()

	thread := carrier.ID()
	ev := event.New(event.MethodExit, thread).At(method, event.NoLocation)
	ev.Payload.ReturnValue = ret
	ev.Payload.ExceptionExit = exceptionExit
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})

	for _, os := range eff.ObserverStates() {
		if !d.threads.IsFramePop(os, depth) {
			continue
		}
		pop := event.New(event.FramePop, thread).At(method, event.NoLocation).To(os.Observer().ID())
		pop.Payload.ReturnValue = ret
		pop.Payload.ExceptionExit = exceptionExit
		d.dispatch(ctx, pop, route{carrier: carrier, eff: eff})

		// The request may have been cleared by an administrative thread
		// while the callback ran.
		if !d.threads.ClearFramePop(os, depth) {
			d.logger.Debug("frame pop request already cleared",
				zap.Int64("thread", int64(eff.ID())),
				zap.String("observer", os.Observer().Name()),
				zap.Int("depth", depth),
			)
		}
	}
}

// PostBreakpoint reports a breakpoint hit at method and loc.
func (d *Dispatcher) PostBreakpoint(ctx context.Context, thread event.ThreadID, method event.MethodRef, loc event.Location) {
	carrier, eff := d.state(thread)
	d.dispatch(ctx, event.New(event.Breakpoint, thread).At(method, loc), route{carrier: carrier, eff: eff})
}

// AtSingleSteppingPoint reports a single step at method and loc unless
// stepping is hidden on the thread.
func (d *Dispatcher) AtSingleSteppingPoint(ctx context.Context, thread event.ThreadID, method event.MethodRef, loc event.Location) {
	carrier, eff := d.state(thread)
	if eff == nil || eff.SingleSteppingHidden() {
		return
	}
	d.dispatch(ctx, event.New(event.SingleStep, thread).At(method, loc), route{carrier: carrier, eff: eff})
}

// HideSingleStepping suppresses single step events on thread until the
// matching ExposeSingleStepping.
func (d *Dispatcher) HideSingleStepping(thread event.ThreadID) {
	if _, eff := d.state(thread); eff != nil {
		eff.HideSingleStepping()
	}
}

// ExposeSingleStepping undoes one HideSingleStepping.
func (d *Dispatcher) ExposeSingleStepping(thread event.ThreadID) {
	if _, eff := d.state(thread); eff != nil {
		eff.ExposeSingleStepping()
	}
}

// PostExceptionThrow reports exc thrown at method and loc. An exception is
// reported once; rethrowing the detected exception posts nothing.
func (d *Dispatcher) PostExceptionThrow(ctx context.Context, thread event.ThreadID, method event.MethodRef, loc event.Location, exc event.ObjectRef, catchMethod event.MethodRef, catchLoc event.Location) {
	carrier, eff := d.state(thread)
	if eff == nil {
		return
	}
	eff.InvalidateDepth()
	if carrier.EventsHidden() || eff.IsExceptionDetected() {
		return
	}
	eff.SetExceptionDetected()

	ev := event.New(event.Exception, thread).At(method, loc)
	ev.Payload.Exception = exc
	ev.Payload.CatchMethod = catchMethod
	ev.Payload.CatchLocation = catchLoc
	if catchMethod.IsZero() {
		ev.Payload.CatchLocation = event.NoLocation
	}
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// NoticeUnwindDueToException is called for each frame the unwinder visits
// while exc propagates. In the handler frame it reports the catch; in any
// other frame it reports an exceptional method exit.
func (d *Dispatcher) NoticeUnwindDueToException(ctx context.Context, thread event.ThreadID, method event.MethodRef, loc event.Location, exc event.ObjectRef, inHandler bool) {
	carrier, eff := d.state(thread)
	if eff == nil || !eff.IsExceptionDetected() {
		return
	}
	eff.InvalidateDepth()

	if !inHandler {
		d.methodExit(ctx, carrier, eff, method, nil, true)
		return
	}

	eff.SetExceptionCaught()
	ev := event.New(event.ExceptionCatch, thread).At(method, loc)
	ev.Payload.Exception = exc
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// ClearDetectedException forgets the exception in flight on thread.
func (d *Dispatcher) ClearDetectedException(thread event.ThreadID) {
	if _, eff := d.state(thread); eff != nil {
		eff.ClearExceptionState()
	}
}

// PostFieldAccess reports a read of field on obj.
func (d *Dispatcher) PostFieldAccess(ctx context.Context, thread event.ThreadID, method event.MethodRef, loc event.Location, field event.FieldRef, obj event.ObjectRef) {
	carrier, eff := d.state(thread)
	ev := event.New(event.FieldAccess, thread).At(method, loc)
	ev.Payload.Field = field
	ev.Payload.Object = obj
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// PostFieldModification reports a write of value to field on obj. sig is
// the value's type signature character.
func (d *Dispatcher) PostFieldModification(ctx context.Context, thread event.ThreadID, method event.MethodRef, loc event.Location, field event.FieldRef, obj event.ObjectRef, sig byte, value any) {
	carrier, eff := d.state(thread)
	ev := event.New(event.FieldModification, thread).At(method, loc)
	ev.Payload.Field = field
	ev.Payload.Object = obj
	ev.Payload.ValueType = sig
	ev.Payload.NewValue = value
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// PostMonitorContendedEnter reports that thread blocks entering monitor.
func (d *Dispatcher) PostMonitorContendedEnter(ctx context.Context, thread event.ThreadID, monitor event.ObjectRef) {
	d.postMonitor(ctx, event.MonitorContendedEnter, thread, monitor, func(*event.Payload) {})
}

// PostMonitorContendedEntered reports that thread acquired monitor after
// contention.
func (d *Dispatcher) PostMonitorContendedEntered(ctx context.Context, thread event.ThreadID, monitor event.ObjectRef) {
	d.postMonitor(ctx, event.MonitorContendedEntered, thread, monitor, func(*event.Payload) {})
}

// PostMonitorWait reports that thread is about to wait on monitor.
func (d *Dispatcher) PostMonitorWait(ctx context.Context, thread event.ThreadID, monitor event.ObjectRef, timeout time.Duration) {
	d.postMonitor(ctx, event.MonitorWait, thread, monitor, func(p *event.Payload) {
		p.Timeout = timeout
	})
}

// PostMonitorWaited reports that thread finished waiting on monitor.
func (d *Dispatcher) PostMonitorWaited(ctx context.Context, thread event.ThreadID, monitor event.ObjectRef, timedOut bool) {
	d.postMonitor(ctx, event.MonitorWaited, thread, monitor, func(p *event.Payload) {
		p.TimedOut = timedOut
	})
}

func (d *Dispatcher) postMonitor(ctx context.Context, k event.Kind, thread event.ThreadID, monitor event.ObjectRef, fill func(*event.Payload)) {
	carrier, eff := d.state(thread)
	ev := event.New(k, thread)
	ev.Payload.Monitor = monitor
	fill(&ev.Payload)
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// NotifyFramePop asks for a FramePop event to o when the frame depth frames
// below the top of thread's stack returns.
func (d *Dispatcher) NotifyFramePop(o *observer.Observer, thread event.ThreadID, depth int) error {
	if !o.Capabilities().Has(capability.CanGenerateFramePopEvents) {
		return fmt.Errorf("notify frame pop for %s: %w", o.Name(), observer.ErrCapabilityViolation)
	}
	if o.Disposed() {
		return observer.ErrObserverDisposed
	}
	cs := d.threads.Get(thread)
	if cs == nil {
		return fmt.Errorf("notify frame pop on thread %d: %w", thread, threadstate.ErrNoThreadState)
	}
	eff := d.threads.Effective(cs)

	if depth < 0 || (depth == 0 && eff.TopFrameExiting()) {
		return threadstate.ErrFramePopRejected
	}
	abs := eff.CurrentDepth() - depth
	if abs <= 0 {
		return fmt.Errorf("frame %d below bottom of stack: %w", depth, threadstate.ErrFramePopRejected)
	}
	d.threads.SetFramePop(eff.ObserverStateFor(o), abs)
	return nil
}

// ClearFramePops removes every pending frame pop request of o on thread. It
// may be called from any goroutine while the thread is suspended.
func (d *Dispatcher) ClearFramePops(o *observer.Observer, thread event.ThreadID) error {
	cs := d.threads.Get(thread)
	if cs == nil {
		return fmt.Errorf("clear frame pops on thread %d: %w", thread, threadstate.ErrNoThreadState)
	}
	if os := d.threads.Effective(cs).ObserverState(o); os != nil {
		d.threads.ClearFramePops(os)
	}
	return nil
}
