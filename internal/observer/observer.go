package observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/phase"
)

// Callback receives one event delivery.
type Callback func(ctx context.Context, ec event.Context)

// ClassFileLoadHook receives class bytes and returns replacement bytes, or
// nil to leave them unchanged.
type ClassFileLoadHook func(ctx context.Context, ec event.Context, data []byte) []byte

// NativeBindHook receives the address a native method is about to be bound
// to and returns the address to bind instead, or zero to keep it.
type NativeBindHook func(ctx context.Context, ec event.Context, addr uintptr) uintptr

// State represents the lifecycle state of an observer.
type State int32

const (
	// StateLive observers receive events.
	StateLive State = iota

	// StateDisposed observers are skipped by dispatch and wait for
	// reclamation.
	StateDisposed

	// StateReclaimed observers have run their finalizers.
	StateReclaimed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDisposed:
		return "disposed"
	case StateReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// callbackTable is replaced wholesale on every update so dispatch can read it
// without locking.
type callbackTable struct {
	fns  [event.KindCount]Callback
	cflh ClassFileLoadHook
	bind NativeBindHook
}

// Observer is a registered agent. Capabilities are fixed at registration;
// callbacks and enablement change through the registry.
type Observer struct {
	id       string
	name     string
	seq      uint64
	caps     capability.Set
	created  phase.Phase
	registry *Registry

	state     atomic.Int32
	global    atomic.Uint64
	threaded  atomic.Uint64
	callbacks atomic.Pointer[callbackTable]

	// threadCounts holds, per kind, how many threads enable it for this
	// observer. Guarded by the registry mutex.
	threadCounts [event.KindCount]int

	delivered [event.KindCount]atomic.Uint64

	reclaimMu sync.Mutex
	onReclaim []func()
	reclaimed chan struct{}
}

// ID returns the observer's unique identifier.
func (o *Observer) ID() string {
	return o.id
}

// Name returns the name given at registration.
func (o *Observer) Name() string {
	return o.name
}

// Seq returns the registration sequence number. Dispatch visits observers in
// ascending Seq order.
func (o *Observer) Seq() uint64 {
	return o.seq
}

// Capabilities returns the granted capability set.
func (o *Observer) Capabilities() capability.Set {
	return o.caps
}

// CreatedPhase returns the gate phase at registration time.
func (o *Observer) CreatedPhase() phase.Phase {
	return o.created
}

// IsRetransformable reports whether the observer may retransform classes.
func (o *Observer) IsRetransformable() bool {
	return o.caps.Has(capability.CanRetransformClasses)
}

// EarlyPhaseEligible reports whether the observer receives class file load
// hooks before the start phase.
func (o *Observer) EarlyPhaseEligible() bool {
	return o.caps.Has(capability.CanGenerateEarlyClassHookEvents)
}

// EarlyStartEligible reports whether the observer receives the early VM
// start notification.
func (o *Observer) EarlyStartEligible() bool {
	return o.caps.Has(capability.CanGenerateEarlyVMStart)
}

// State returns the lifecycle state.
func (o *Observer) State() State {
	return State(o.state.Load())
}

// Disposed reports whether Dispose has been called.
func (o *Observer) Disposed() bool {
	return o.State() != StateLive
}

// CanReceive reports whether the capability set permits kind k.
func (o *Observer) CanReceive(k event.Kind) bool {
	return o.caps.Has(k.Descriptor().Requires)
}

// GlobalKinds returns the globally enabled kinds.
func (o *Observer) GlobalKinds() event.KindSet {
	return event.KindSet(o.global.Load())
}

// ThreadKinds returns the kinds enabled for at least one thread.
func (o *Observer) ThreadKinds() event.KindSet {
	return event.KindSet(o.threaded.Load())
}

// GloballyEnabled reports whether k is enabled for every thread.
func (o *Observer) GloballyEnabled(k event.Kind) bool {
	return o.GlobalKinds().Has(k)
}

// MayBeEnabled reports whether k is enabled globally or for any thread.
func (o *Observer) MayBeEnabled(k event.Kind) bool {
	return (o.GlobalKinds() | o.ThreadKinds()).Has(k)
}

// Callback returns the callback for k, or nil.
func (o *Observer) Callback(k event.Kind) Callback {
	if t := o.callbacks.Load(); t != nil && k.Valid() {
		return t.fns[k]
	}
	return nil
}

// ClassFileLoadHook returns the class file load hook, or nil.
func (o *Observer) ClassFileLoadHook() ClassFileLoadHook {
	if t := o.callbacks.Load(); t != nil {
		return t.cflh
	}
	return nil
}

// NativeBindHook returns the native method bind hook, or nil.
func (o *Observer) NativeBindHook() NativeBindHook {
	if t := o.callbacks.Load(); t != nil {
		return t.bind
	}
	return nil
}

// SetCallback installs fn for kind k. A nil fn clears it.
func (o *Observer) SetCallback(k event.Kind, fn Callback) error {
	if !k.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	if k == event.ClassFileLoadHook {
		return fmt.Errorf("%s: use SetClassFileLoadHook", k)
	}
	return o.updateCallbacks(func(t *callbackTable) { t.fns[k] = fn })
}

// SetClassFileLoadHook installs the class file load hook.
func (o *Observer) SetClassFileLoadHook(fn ClassFileLoadHook) error {
	return o.updateCallbacks(func(t *callbackTable) { t.cflh = fn })
}

// SetNativeBindHook installs a hook that can rebind native methods.
func (o *Observer) SetNativeBindHook(fn NativeBindHook) error {
	if fn != nil && !o.CanReceive(event.NativeMethodBind) {
		return fmt.Errorf("%w: %s", ErrCapabilityViolation, event.NativeMethodBind.Descriptor().Requires)
	}
	return o.updateCallbacks(func(t *callbackTable) { t.bind = fn })
}

func (o *Observer) updateCallbacks(update func(*callbackTable)) error {
	r := o.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.Disposed() {
		return ErrObserverDisposed
	}
	next := &callbackTable{}
	if cur := o.callbacks.Load(); cur != nil {
		*next = *cur
	}
	update(next)
	o.callbacks.Store(next)
	return nil
}

// RecordDelivery counts one delivery of k.
func (o *Observer) RecordDelivery(k event.Kind) {
	if k.Valid() {
		o.delivered[k].Add(1)
	}
}

// Deliveries returns per-kind delivery counts, omitting zero entries.
func (o *Observer) Deliveries() map[event.Kind]uint64 {
	out := make(map[event.Kind]uint64)
	for i := range o.delivered {
		if n := o.delivered[i].Load(); n > 0 {
			out[event.Kind(i)] = n
		}
	}
	return out
}

// OnReclaim registers fn to run once the observer has been disposed and no
// dispatch can still reference it. Registering after reclamation runs fn
// immediately.
func (o *Observer) OnReclaim(fn func()) {
	if fn == nil {
		return
	}
	o.reclaimMu.Lock()
	if o.State() == StateReclaimed {
		o.reclaimMu.Unlock()
		fn()
		return
	}
	o.onReclaim = append(o.onReclaim, fn)
	o.reclaimMu.Unlock()
}

// Reclaimed is closed after reclamation finishes.
func (o *Observer) Reclaimed() <-chan struct{} {
	return o.reclaimed
}

func (o *Observer) reclaim() {
	defer close(o.reclaimed)

	o.reclaimMu.Lock()
	o.state.Store(int32(StateReclaimed))
	fns := o.onReclaim
	o.onReclaim = nil
	o.reclaimMu.Unlock()

	o.callbacks.Store(nil)
	for _, fn := range fns {
		fn()
	}
}
