package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/phase"
)

// fakeScope records per-thread enablement the way a thread state does.
type fakeScope struct {
	mu      sync.Mutex
	enabled map[*Observer]event.KindSet
}

func newFakeScope() *fakeScope {
	return &fakeScope{enabled: make(map[*Observer]event.KindSet)}
}

func (s *fakeScope) SetThreadEnabled(o *Observer, k event.Kind, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.enabled[o]
	if cur.Has(k) == on {
		return false
	}
	if on {
		s.enabled[o] = cur.With(k)
	} else {
		s.enabled[o] = cur.Without(k)
	}
	return true
}

func newTestRegistry() *Registry {
	return NewRegistry(phase.NewGate(), WithPollInterval(time.Microsecond))
}

func TestRegistry_RegisterOrderAndFlags(t *testing.T) {
	r := newTestRegistry()

	a, err := r.Register("a", capability.Of(capability.CanRetransformClasses))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	b, _ := r.Register("b", capability.Of(capability.CanGenerateAllClassHookEvents, capability.CanGenerateEarlyClassHookEvents))
	c, _ := r.Register("c", capability.Of(capability.CanGenerateEarlyVMStart))

	snap := r.Snapshot()
	if len(snap) != 3 || snap[0] != a || snap[1] != b || snap[2] != c {
		t.Fatalf("snapshot not in registration order: %v", snap)
	}
	if a.ID() == b.ID() || a.ID() == "" {
		t.Error("expected distinct non-empty IDs")
	}
	if !a.IsRetransformable() || b.IsRetransformable() {
		t.Error("retransformable flag mismatch")
	}
	if !b.EarlyPhaseEligible() || a.EarlyPhaseEligible() {
		t.Error("early phase flag mismatch")
	}
	if !c.EarlyStartEligible() {
		t.Error("expected early start eligibility")
	}
	if a.CreatedPhase() != phase.Primordial {
		t.Errorf("created phase = %s", a.CreatedPhase())
	}
	if got, ok := r.Lookup(b.ID()); !ok || got != b {
		t.Error("Lookup failed")
	}
}

func TestRegistry_RegisterConflict(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register("bad", capability.Of(capability.CanRetransformClasses, capability.CanRedefineInPlace))
	if !errors.Is(err, ErrCapabilityConflict) {
		t.Fatalf("expected ErrCapabilityConflict, got %v", err)
	}
	if r.HasObservers() {
		t.Error("rejected observer must not be registered")
	}
}

func TestRegistry_SetEnabledGlobal(t *testing.T) {
	r := newTestRegistry()
	o, _ := r.Register("o", capability.Of(capability.CanGenerateBreakpointEvents))

	v := r.Version()
	if err := r.SetEnabled(o, event.Breakpoint, nil, true); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if !o.GloballyEnabled(event.Breakpoint) || !r.AnyEnabled(event.Breakpoint) {
		t.Error("expected breakpoint enabled")
	}
	if r.Version() <= v {
		t.Error("expected version to advance")
	}

	if err := r.SetEnabled(o, event.Breakpoint, nil, false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if r.AnyEnabled(event.Breakpoint) {
		t.Error("expected breakpoint disabled")
	}
}

func TestRegistry_SetEnabledErrors(t *testing.T) {
	r := newTestRegistry()
	o, _ := r.Register("o", 0)

	tests := []struct {
		name  string
		kind  event.Kind
		scope Scope
		want  error
	}{
		{"missing capability", event.FieldAccess, nil, ErrCapabilityViolation},
		{"unknown kind", event.Kind(99), nil, ErrUnknownKind},
		{"global kind per thread", event.VMInit, newFakeScope(), ErrInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.SetEnabled(o, tt.kind, tt.scope, true)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	other := newTestRegistry()
	if err := other.SetEnabled(o, event.VMInit, nil, true); !errors.Is(err, ErrForeignObserver) {
		t.Errorf("expected ErrForeignObserver, got %v", err)
	}
}

func TestRegistry_ThreadScopedEnablement(t *testing.T) {
	r := newTestRegistry()
	o, _ := r.Register("o", capability.Of(capability.CanGenerateMethodEntryEvents))
	t1, t2 := newFakeScope(), newFakeScope()

	if err := r.SetEnabled(o, event.MethodEntry, t1, true); err != nil {
		t.Fatal(err)
	}
	_ = r.SetEnabled(o, event.MethodEntry, t1, true) // repeated, no change
	_ = r.SetEnabled(o, event.MethodEntry, t2, true)

	if o.GloballyEnabled(event.MethodEntry) {
		t.Error("thread enablement must not set the global bit")
	}
	if !o.ThreadKinds().Has(event.MethodEntry) {
		t.Fatal("expected thread-scoped bit")
	}

	_ = r.SetEnabled(o, event.MethodEntry, t1, false)
	if !o.ThreadKinds().Has(event.MethodEntry) {
		t.Error("bit must stay while another thread enables the kind")
	}

	r.ThreadReleased(map[*Observer]event.KindSet{o: event.KindsOf(event.MethodEntry)})
	if o.ThreadKinds().Has(event.MethodEntry) || r.AnyEnabled(event.MethodEntry) {
		t.Error("expected bit cleared after last thread released")
	}
}

func TestRegistry_RawEnableSkipsValidation(t *testing.T) {
	r := newTestRegistry()
	o, _ := r.Register("o", 0)

	r.RawEnable(o, event.FieldAccess)
	if !o.GloballyEnabled(event.FieldAccess) {
		t.Error("expected raw enable to set the bit")
	}
	if o.CanReceive(event.FieldAccess) {
		t.Error("capability set must be unchanged")
	}
}

func TestObserver_Callbacks(t *testing.T) {
	r := newTestRegistry()
	o, _ := r.Register("o", 0)

	if o.Callback(event.VMInit) != nil {
		t.Fatal("expected no callback")
	}
	called := false
	if err := o.SetCallback(event.VMInit, func(context.Context, event.Context) { called = true }); err != nil {
		t.Fatal(err)
	}
	o.Callback(event.VMInit)(context.Background(), event.Context{})
	if !called {
		t.Error("callback not installed")
	}

	if err := o.SetCallback(event.ClassFileLoadHook, nil); err == nil {
		t.Error("expected class file load hook to require SetClassFileLoadHook")
	}
	if err := o.SetNativeBindHook(func(context.Context, event.Context, uintptr) uintptr { return 0 }); !errors.Is(err, ErrCapabilityViolation) {
		t.Errorf("expected ErrCapabilityViolation, got %v", err)
	}
}

func TestRegistry_DisposeSkipsAndReclaims(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.Register("a", 0)
	b, _ := r.Register("b", 0)

	var hooked atomic.Int32
	r.OnDispose(func(o *Observer) {
		if o == a {
			hooked.Add(1)
		}
	})

	var reclaimed atomic.Bool
	a.OnReclaim(func() { reclaimed.Store(true) })

	tok := r.Acquire()
	if err := r.Dispose(a); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	// The token taken before disposal still sees a; new readers do not.
	if len(tok.Observers()) != 2 {
		t.Errorf("pre-disposal token should see 2 observers, got %d", len(tok.Observers()))
	}
	if snap := r.Snapshot(); len(snap) != 1 || snap[0] != b {
		t.Errorf("expected only b after disposal, got %v", snap)
	}
	if hooked.Load() != 1 {
		t.Error("dispose hook not run")
	}

	time.Sleep(5 * time.Millisecond)
	if reclaimed.Load() {
		t.Fatal("observer reclaimed while a token was outstanding")
	}

	tok.Release()
	select {
	case <-a.Reclaimed():
	case <-time.After(time.Second):
		t.Fatal("observer not reclaimed after token release")
	}
	if !reclaimed.Load() {
		t.Error("finalizer did not run")
	}
	if a.State() != StateReclaimed {
		t.Errorf("state = %s", a.State())
	}

	if err := r.Dispose(a); !errors.Is(err, ErrObserverDisposed) {
		t.Errorf("expected ErrObserverDisposed, got %v", err)
	}
	if err := r.SetEnabled(a, event.VMInit, nil, true); !errors.Is(err, ErrObserverDisposed) {
		t.Errorf("expected ErrObserverDisposed, got %v", err)
	}
	if err := a.SetCallback(event.VMInit, nil); !errors.Is(err, ErrObserverDisposed) {
		t.Errorf("expected ErrObserverDisposed, got %v", err)
	}

	ran := false
	a.OnReclaim(func() { ran = true })
	if !ran {
		t.Error("OnReclaim after reclamation should run immediately")
	}
}

func TestRegistry_SynchronizeHonorsContext(t *testing.T) {
	r := newTestRegistry()
	tok := r.Acquire()
	defer tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := r.Synchronize(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistry_ConcurrentReadersAndWriters(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tok := r.Acquire()
				for _, o := range tok.Observers() {
					if o.State() == StateReclaimed {
						t.Error("reader observed a reclaimed observer")
					}
				}
				tok.Release()
			}
		}()
	}

	for i := 0; i < 50; i++ {
		o, err := r.Register("o", 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Dispose(o); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.WaitReclaimed(ctx); err != nil {
		t.Fatalf("WaitReclaimed: %v", err)
	}
	if r.HasObservers() {
		t.Error("expected empty registry")
	}
}

func TestObserver_Deliveries(t *testing.T) {
	r := newTestRegistry()
	o, _ := r.Register("o", 0)
	o.RecordDelivery(event.VMInit)
	o.RecordDelivery(event.VMInit)
	o.RecordDelivery(event.ThreadStart)

	got := o.Deliveries()
	if got[event.VMInit] != 2 || got[event.ThreadStart] != 1 || len(got) != 2 {
		t.Errorf("unexpected deliveries %v", got)
	}
}
