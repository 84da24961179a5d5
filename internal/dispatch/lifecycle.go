package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/phase"
	"github.com/dshills/vmtap/internal/threadstate"
)

// PostEarlyVMStart reports the runtime start while still primordial. Only
// observers holding the early start capability receive it; they are then
// skipped by the regular PostVMStart.
func (d *Dispatcher) PostEarlyVMStart(ctx context.Context, thread event.ThreadID) {
	if cur := d.gate.Current(); cur != phase.Primordial {
		d.logger.Debug("early vm start ignored", zap.Stringer("phase", cur))
		return
	}
	d.gate.RecordEarlyStart()
	carrier, eff := d.state(thread)
	d.dispatch(ctx, event.New(event.VMStart, thread), route{
		carrier: carrier,
		eff:     eff,
		filter:  (*observer.Observer).EarlyStartEligible,
	})
}

// PostVMStart advances the gate to Start and reports it.
func (d *Dispatcher) PostVMStart(ctx context.Context, thread event.ThreadID) error {
	if err := d.advanceTo(phase.Start); err != nil {
		return err
	}
	skipEarly := d.gate.EarlyStartRecorded()
	carrier, eff := d.state(thread)
	d.dispatch(ctx, event.New(event.VMStart, thread), route{
		carrier: carrier,
		eff:     eff,
		filter: func(o *observer.Observer) bool {
			return !skipEarly || !o.EarlyStartEligible()
		},
	})
	return nil
}

// PostVMInit advances the gate to Live and reports initialization.
func (d *Dispatcher) PostVMInit(ctx context.Context, thread event.ThreadID) error {
	if err := d.advanceTo(phase.Live); err != nil {
		return err
	}
	carrier, eff := d.state(thread)
	d.dispatch(ctx, event.New(event.VMInit, thread), route{carrier: carrier, eff: eff})
	return nil
}

// PostVMDeath drains the deferred queue, reports death and moves the gate to
// Dead. A failed drain is logged and returned after the gate has advanced.
func (d *Dispatcher) PostVMDeath(ctx context.Context, thread event.ThreadID) error {
	var flushErr error
	if d.queue.IsRunning() {
		if err := d.queue.Flush(ctx); err != nil {
			flushErr = fmt.Errorf("flush deferred events: %w", err)
			d.logger.Warn("deferred events not drained before vm death", zap.Error(err))
		}
	}

	carrier, eff := d.state(thread)
	d.dispatch(ctx, event.New(event.VMDeath, thread), route{carrier: carrier, eff: eff})

	if err := d.advanceTo(phase.Dead); err != nil {
		return err
	}
	return flushErr
}

// PostThreadStart creates the state for a new platform thread and reports
// it.
func (d *Dispatcher) PostThreadStart(ctx context.Context, thread event.ThreadID, name string) {
	s := d.threads.Attach(thread, name, false)
	d.dispatch(ctx, event.New(event.ThreadStart, thread), route{carrier: s, eff: s})
}

// PostThreadEnd reports the end of a platform thread and destroys its state.
func (d *Dispatcher) PostThreadEnd(ctx context.Context, thread event.ThreadID) {
	carrier, eff := d.state(thread)
	d.dispatch(ctx, event.New(event.ThreadEnd, thread), route{carrier: carrier, eff: eff})
	d.threads.Remove(thread)
}

// PostVirtualThreadStart creates the state for vthread, started on carrier,
// and reports it against the virtual thread.
func (d *Dispatcher) PostVirtualThreadStart(ctx context.Context, carrier, vthread event.ThreadID, name string) {
	cs := d.threads.GetOrCreate(carrier)
	vs := d.threads.Attach(vthread, name, true)
	ev := event.New(event.VirtualThreadStart, carrier)
	ev.Payload.VirtualThread = vthread
	d.dispatch(ctx, ev, route{carrier: cs, eff: vs})
}

// PostVirtualThreadEnd reports the end of vthread and destroys its state.
func (d *Dispatcher) PostVirtualThreadEnd(ctx context.Context, carrier, vthread event.ThreadID) {
	cs := d.threads.GetOrCreate(carrier)
	vs := d.threads.Attach(vthread, "", true)
	ev := event.New(event.VirtualThreadEnd, carrier)
	ev.Payload.VirtualThread = vthread
	d.dispatch(ctx, ev, route{carrier: cs, eff: vs})
	d.threads.Remove(vthread)
}

// MountVirtualThread mounts vthread on carrier and reports the mount.
// Events raised on carrier during the transition are hidden.
func (d *Dispatcher) MountVirtualThread(ctx context.Context, carrier, vthread event.ThreadID) error {
	cs := d.threads.GetOrCreate(carrier)
	vs := d.threads.Attach(vthread, "", true)
	if err := cs.BeginMount(vthread); err != nil {
		return err
	}
	// The virtual thread's frames moved; recompute on next use.
	vs.InvalidateDepth()
	if err := cs.FinishMount(); err != nil {
		return err
	}

	ev := event.New(event.VirtualThreadMount, carrier)
	ev.Payload.VirtualThread = vthread
	d.dispatch(ctx, ev, route{carrier: cs, eff: vs})
	return nil
}

// UnmountVirtualThread reports the unmount of the virtual thread mounted on
// carrier and unmounts it.
func (d *Dispatcher) UnmountVirtualThread(ctx context.Context, carrier event.ThreadID) error {
	cs := d.threads.Get(carrier)
	if cs == nil {
		return fmt.Errorf("unmount on thread %d: %w", carrier, threadstate.ErrNoThreadState)
	}
	if st := cs.MountState(); st != threadstate.Mounted {
		return &threadstate.TransitionError{From: st, To: threadstate.Unmounting}
	}

	vthread := cs.MountedThread()
	ev := event.New(event.VirtualThreadUnmount, carrier)
	ev.Payload.VirtualThread = vthread
	d.dispatch(ctx, ev, route{carrier: cs, eff: d.threads.Effective(cs)})

	if err := cs.BeginUnmount(); err != nil {
		return err
	}
	return cs.FinishUnmount()
}

// ContinuationYieldCleanup discards bookkeeping for the frames a yielding
// continuation removed from thread's stack. The stack must already be
// missing those frames.
func (d *Dispatcher) ContinuationYieldCleanup(thread event.ThreadID, frames int) {
	_, eff := d.state(thread)
	if eff == nil {
		return
	}
	eff.InvalidateDepth()
	// A virtual thread's frames survive the yield; only platform thread
	// requests for the removed frames are stale.
	if !eff.Virtual() && frames > 0 {
		top := eff.CurrentDepth() + frames
		for _, os := range eff.ObserverStates() {
			if n := d.threads.ClearFramePopRange(os, top-frames, top); n > 0 {
				d.logger.Debug("frame pop requests cleared on yield",
					zap.Int64("thread", int64(thread)),
					zap.String("observer", os.Observer().Name()),
					zap.Int("count", n),
				)
			}
		}
	}
}
