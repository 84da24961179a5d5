package observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/phase"
)

// Scope is a thread that observers can enable thread-scoped kinds for.
// SetThreadEnabled updates the per-thread bit and reports whether it changed.
type Scope interface {
	SetThreadEnabled(o *Observer, k event.Kind, on bool) bool
}

// DisposeHook runs under no lock after an observer is removed from the
// snapshot, before reclamation.
type DisposeHook func(o *Observer)

// Registry owns the registered observers.
//
// Writers serialize on a mutex and publish an immutable snapshot. Readers
// take a Token, which never blocks: tokens are counted in one of two epoch
// slots and Synchronize waits for the slot in use before the epoch flipped
// to drain. Disposed observers are reclaimed only after such a wait.
type Registry struct {
	gate   *phase.Gate
	logger *zap.Logger

	mu        sync.Mutex
	live      []*Observer
	nextSeq   uint64
	onDispose []DisposeHook

	snapshot atomic.Pointer[[]*Observer]
	enabled  atomic.Uint64
	version  atomic.Uint64

	epoch   atomic.Uint64
	readers [2]atomic.Int64
	syncMu  sync.Mutex

	reclaimWG sync.WaitGroup
	pollEvery time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPollInterval sets how often Synchronize re-checks outstanding readers.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollEvery = d
		}
	}
}

// NewRegistry creates an empty registry. The gate is consulted for the
// phase recorded on each new observer.
func NewRegistry(gate *phase.Gate, opts ...Option) *Registry {
	r := &Registry{
		gate:      gate,
		logger:    zap.NewNop(),
		pollEvery: 50 * time.Microsecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := []*Observer{}
	r.snapshot.Store(&empty)
	return r
}

// Register creates an observer with the given capabilities.
func (r *Registry) Register(name string, caps capability.Set) (*Observer, error) {
	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("register %q: %w", name, err)
	}

	o := &Observer{
		id:        uuid.NewString(),
		name:      name,
		caps:      caps,
		registry:  r,
		reclaimed: make(chan struct{}),
	}
	if r.gate != nil {
		o.created = r.gate.Current()
	}
	o.callbacks.Store(&callbackTable{})

	r.mu.Lock()
	r.nextSeq++
	o.seq = r.nextSeq
	r.live = append(r.live, o)
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Debug("observer registered",
		zap.String("observer", name),
		zap.String("id", o.id),
		zap.Stringer("capabilities", caps),
		zap.Stringer("phase", o.created),
	)
	return o, nil
}

// SetEnabled enables or disables kind k for o. A nil scope changes the
// global mask; otherwise only the given thread is affected.
func (r *Registry) SetEnabled(o *Observer, k event.Kind, scope Scope, on bool) error {
	if !k.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	if o.registry != r {
		return ErrForeignObserver
	}
	desc := k.Descriptor()
	if on && !o.caps.Has(desc.Requires) {
		return fmt.Errorf("%w: %s requires %s", ErrCapabilityViolation, k, desc.Requires)
	}
	if scope != nil && desc.Scope != event.ScopeThread {
		return fmt.Errorf("%w: %s", ErrInvalidScope, k)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if o.Disposed() {
		return ErrObserverDisposed
	}

	if scope == nil {
		setBit(&o.global, k, on)
	} else if scope.SetThreadEnabled(o, k, on) {
		r.adjustThreadCountLocked(o, k, on)
	}
	r.publishLocked()
	return nil
}

// RawEnable sets the global bit for k without validating capabilities.
// It exists for registration layers that have already validated the
// request; the dispatcher still checks capabilities on every delivery.
func (r *Registry) RawEnable(o *Observer, k event.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	setBit(&o.global, k, true)
	r.publishLocked()
}

// ThreadReleased drops the per-thread enablement of a terminated thread.
// kinds maps each observer to the kinds the thread had enabled for it.
func (r *Registry) ThreadReleased(kinds map[*Observer]event.KindSet) {
	if len(kinds) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for o, set := range kinds {
		for _, k := range set.List() {
			r.adjustThreadCountLocked(o, k, false)
		}
	}
	r.publishLocked()
}

func (r *Registry) adjustThreadCountLocked(o *Observer, k event.Kind, on bool) {
	if on {
		o.threadCounts[k]++
	} else if o.threadCounts[k] > 0 {
		o.threadCounts[k]--
	}
	setBit(&o.threaded, k, o.threadCounts[k] > 0)
}

func setBit(v *atomic.Uint64, k event.Kind, on bool) {
	cur := event.KindSet(v.Load())
	if on {
		cur = cur.With(k)
	} else {
		cur = cur.Without(k)
	}
	v.Store(uint64(cur))
}

// publishLocked rebuilds the reader snapshot and the enabled union.
func (r *Registry) publishLocked() {
	snap := make([]*Observer, len(r.live))
	copy(snap, r.live)

	var union event.KindSet
	for _, o := range snap {
		union |= o.GlobalKinds() | o.ThreadKinds()
	}

	r.snapshot.Store(&snap)
	r.enabled.Store(uint64(union))
	r.version.Add(1)
}

// OnDispose registers a hook run for every disposed observer.
func (r *Registry) OnDispose(h DisposeHook) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDispose = append(r.onDispose, h)
}

// Dispose tombstones o and removes it from future snapshots. It does not
// block: reclamation runs in the background once every token acquired
// before the call has been released.
func (r *Registry) Dispose(o *Observer) error {
	if o.registry != r {
		return ErrForeignObserver
	}

	r.mu.Lock()
	if !o.state.CompareAndSwap(int32(StateLive), int32(StateDisposed)) {
		r.mu.Unlock()
		return ErrObserverDisposed
	}
	for i, cur := range r.live {
		if cur == o {
			r.live = append(r.live[:i:i], r.live[i+1:]...)
			break
		}
	}
	r.publishLocked()
	hooks := r.onDispose
	r.mu.Unlock()

	for _, h := range hooks {
		h(o)
	}

	r.logger.Debug("observer disposed", zap.String("observer", o.name), zap.String("id", o.id))

	r.reclaimWG.Add(1)
	go func() {
		defer r.reclaimWG.Done()
		if err := r.Synchronize(context.Background()); err != nil {
			r.logger.Error("observer reclamation aborted", zap.String("id", o.id), zap.Error(err))
			return
		}
		r.runReclaim(o)
	}()
	return nil
}

func (r *Registry) runReclaim(o *Observer) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("observer finalizer panicked",
				zap.String("id", o.id),
				zap.Any("panic", v),
				zap.Stack("stack"),
			)
		}
	}()
	o.reclaim()
}

// WaitReclaimed blocks until every disposed observer has been reclaimed or
// ctx is done.
func (r *Registry) WaitReclaimed(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.reclaimWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Token is a read-side reference. Observers visible through a token are not
// reclaimed until it is released.
type Token struct {
	r    *Registry
	slot uint64
	obs  []*Observer
}

// Acquire returns a read token. It never blocks.
func (r *Registry) Acquire() Token {
	for {
		e := r.epoch.Load()
		slot := e & 1
		r.readers[slot].Add(1)
		if r.epoch.Load() == e {
			return Token{r: r, slot: slot, obs: *r.snapshot.Load()}
		}
		r.readers[slot].Add(-1)
	}
}

// Observers returns the live observers at acquisition time in registration
// order. The slice must not be modified.
func (t Token) Observers() []*Observer {
	return t.obs
}

// Release ends the read-side section.
func (t Token) Release() {
	if t.r != nil {
		t.r.readers[t.slot].Add(-1)
	}
}

// Synchronize waits until every token acquired before the call has been
// released.
func (r *Registry) Synchronize(ctx context.Context) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	old := r.epoch.Add(1) - 1
	slot := old & 1
	for r.readers[slot].Load() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollEvery):
		}
	}
	return nil
}

// Snapshot returns the live observers in registration order.
func (r *Registry) Snapshot() []*Observer {
	return *r.snapshot.Load()
}

// Lookup finds a live observer by ID.
func (r *Registry) Lookup(id string) (*Observer, bool) {
	for _, o := range r.Snapshot() {
		if o.id == id {
			return o, true
		}
	}
	return nil, false
}

// HasObservers reports whether any observer is registered.
func (r *Registry) HasObservers() bool {
	return len(*r.snapshot.Load()) > 0
}

// Count returns the number of live observers.
func (r *Registry) Count() int {
	return len(*r.snapshot.Load())
}

// EnabledKinds returns the union of kinds enabled by any live observer,
// globally or for any thread.
func (r *Registry) EnabledKinds() event.KindSet {
	return event.KindSet(r.enabled.Load())
}

// AnyEnabled reports whether any live observer enables k.
func (r *Registry) AnyEnabled(k event.Kind) bool {
	return r.EnabledKinds().Has(k)
}

// Version increments on every change to membership or enablement.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
