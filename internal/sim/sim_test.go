package sim

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/dispatch"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/phase"
	"github.com/dshills/vmtap/internal/threadstate"
)

var (
	mainRun = event.MethodRef{Class: "app/Main", Name: "run", Signature: "()V"}
	helper  = event.MethodRef{Class: "app/Main", Name: "helper", Signature: "(I)I"}
)

func TestProgram_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Program
		wantErr bool
	}{
		{"empty", nil, false},
		{"balanced", Program{{Kind: OpCall, Method: mainRun}, {Kind: OpStep, Loc: 1}, {Kind: OpReturn}}, false},
		{"alloc outside frame", Program{{Kind: OpAlloc, Class: "app/Entity"}}, false},
		{"return outside frame", Program{{Kind: OpReturn}}, true},
		{"step outside frame", Program{{Kind: OpStep}}, true},
		{"unnamed call", Program{{Kind: OpCall}}, true},
		{"negative unwind", Program{{Kind: OpCall, Method: mainRun}, {Kind: OpThrow, Unwind: -1}}, true},
		{"uncaught throw empties stack", Program{{Kind: OpCall, Method: mainRun}, {Kind: OpThrow, Unwind: 1}, {Kind: OpReturn}}, true},
		{"caught throw", Program{{Kind: OpCall, Method: mainRun}, {Kind: OpCall, Method: helper}, {Kind: OpThrow, Unwind: 1}, {Kind: OpReturn}}, false},
		{"unknown kind", Program{{Kind: OpNativeBind + 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidProgram) {
				t.Errorf("error %v is not ErrInvalidProgram", err)
			}
		})
	}
}

func TestRandom_ValidAndBalanced(t *testing.T) {
	w := DefaultWorkload()
	for seed := uint64(0); seed < 50; seed++ {
		p := Random(rand.New(rand.NewPCG(seed, 7)), w, 200)
		if err := p.Validate(); err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if len(p) < 200 {
			t.Fatalf("seed %d: program has %d ops", seed, len(p))
		}
		depth := 0
		for _, op := range p {
			switch op.Kind {
			case OpCall:
				depth++
			case OpReturn:
				depth--
			case OpThrow:
				depth -= op.Unwind
			}
		}
		if depth != 0 {
			t.Errorf("seed %d: program ends at depth %d", seed, depth)
		}
	}

	a := Random(rand.New(rand.NewPCG(3, 3)), w, 50)
	b := Random(rand.New(rand.NewPCG(3, 3)), w, 50)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed produced different programs:\n%s", diff)
	}
}

func TestOpKind_String(t *testing.T) {
	if got := OpThrow.String(); got != "throw" {
		t.Errorf("OpThrow.String() = %q", got)
	}
	if got := OpKind(99).String(); got != "op(99)" {
		t.Errorf("OpKind(99).String() = %q", got)
	}
}

// recorder collects every delivery.
type recorder struct {
	mu  sync.Mutex
	got []event.Context
}

func (r *recorder) callback(_ context.Context, ec event.Context) {
	r.mu.Lock()
	r.got = append(r.got, ec)
	r.mu.Unlock()
}

func (r *recorder) all() []event.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Context(nil), r.got...)
}

func (r *recorder) count(k event.Kind) int {
	n := 0
	for _, ec := range r.all() {
		if ec.Kind() == k {
			n++
		}
	}
	return n
}

func (r *recorder) onThread(id event.ThreadID) []event.Kind {
	var out []event.Kind
	for _, ec := range r.all() {
		if ec.Event.Thread != event.NoThread && ec.Thread == id {
			out = append(out, ec.Kind())
		}
	}
	return out
}

// newDispatcher returns a started dispatcher in the primordial phase with
// one observer recording kinds.
func newDispatcher(t *testing.T, kinds ...event.Kind) (*dispatch.Dispatcher, *recorder) {
	t.Helper()
	gate := phase.NewGate()
	reg := observer.NewRegistry(gate, observer.WithPollInterval(time.Millisecond))
	d := dispatch.New(gate, reg, threadstate.NewManager(reg))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	var caps capability.Set
	for c := capability.CanGenerateBreakpointEvents; c <= capability.CanSupportVirtualThreads; c <<= 1 {
		if c != capability.CanGenerateEarlyVMStart {
			caps = caps.With(c)
		}
	}
	o, err := reg.Register("recorder", caps)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec := &recorder{}
	for _, k := range kinds {
		if err := o.SetCallback(k, rec.callback); err != nil {
			t.Fatalf("SetCallback(%s): %v", k, err)
		}
		if err := reg.SetEnabled(o, k, nil, true); err != nil {
			t.Fatalf("SetEnabled(%s): %v", k, err)
		}
	}
	return d, rec
}

func TestVM_ExceptionSequence(t *testing.T) {
	d, rec := newDispatcher(t,
		event.ThreadStart, event.ThreadEnd,
		event.MethodEntry, event.MethodExit,
		event.SingleStep, event.Exception, event.ExceptionCatch,
	)
	prog := Program{
		{Kind: OpCall, Method: mainRun},
		{Kind: OpCall, Method: helper},
		{Kind: OpStep, Loc: 3},
		{Kind: OpThrow, Loc: 4, Unwind: 1},
		{Kind: OpReturn},
	}
	cfg := Config{Threads: 1, Ops: len(prog), GCInterval: time.Hour}
	rep, err := New(d, cfg, WithPrograms(prog)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Ops != uint64(len(prog)) {
		t.Errorf("ops = %d, want %d", rep.Ops, len(prog))
	}

	want := []event.Kind{
		event.ThreadStart,
		event.MethodEntry,
		event.MethodEntry,
		event.SingleStep,
		event.Exception,
		event.MethodExit,
		event.ExceptionCatch,
		event.MethodExit,
		event.ThreadEnd,
	}
	if diff := cmp.Diff(want, rec.onThread(firstPlatform)); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}

	for _, ec := range rec.all() {
		switch ec.Kind() {
		case event.Exception:
			if ec.Event.Method != helper || ec.Event.Payload.CatchMethod != mainRun {
				t.Errorf("exception at %v caught in %v", ec.Event.Method, ec.Event.Payload.CatchMethod)
			}
		case event.MethodExit:
			if ec.Event.Method == helper && !ec.Event.Payload.ExceptionExit {
				t.Error("helper exit not marked exceptional")
			}
		}
	}
}

func TestVM_RuntimeAllocations(t *testing.T) {
	d, rec := newDispatcher(t, event.VMObjectAlloc, event.SampledObjectAlloc, event.ResourceExhausted)
	prog := Program{
		{Kind: OpCall, Method: mainRun},
		{Kind: OpAlloc, Class: "app/Entity", Size: 32},
		{Kind: OpAlloc, Class: "app/Huge", Size: largeObject},
		{Kind: OpThrow, Loc: 2},
		{Kind: OpReturn},
	}
	if _, err := New(d, Config{Threads: 1, GCInterval: time.Hour}, WithPrograms(prog)).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var classes []string
	for _, ec := range rec.all() {
		if ec.Thread != firstPlatform {
			continue
		}
		switch ec.Kind() {
		case event.ResourceExhausted:
			classes = append(classes, "exhausted")
		default:
			classes = append(classes, ec.Event.Payload.Alloc.Class)
		}
	}
	// The exception's backtrace is allocated with recording suppressed.
	want := []string{"app/Entity", "exhausted", "java/lang/RuntimeException"}
	if diff := cmp.Diff(want, classes); diff != "" {
		t.Errorf("allocation events mismatch (-want +got):\n%s", diff)
	}

	mirrors := 0
	for _, ec := range rec.all() {
		if ec.Kind() == event.VMObjectAlloc && ec.Event.Payload.Alloc.Class == "java/lang/Class" {
			mirrors++
		}
	}
	// java/lang/Object loads before allocation events may flow.
	if mirrors != 1 {
		t.Errorf("class mirrors reported %d, want 1", mirrors)
	}
}

func TestVM_Run(t *testing.T) {
	d, rec := newDispatcher(t,
		event.VMStart, event.VMInit, event.VMDeath,
		event.MethodEntry, event.ClassLoad,
		event.GarbageCollectionStart, event.GarbageCollectionFinish,
		event.ObjectFree, event.VirtualThreadMount, event.VirtualThreadUnmount,
		event.DynamicCodeGenerated,
	)
	cfg := Config{
		Threads:        2,
		VirtualThreads: 2,
		Ops:            80,
		GCInterval:     time.Millisecond,
		Seed:           9,
	}
	rep, err := New(d, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	all := rec.all()
	if len(all) == 0 {
		t.Fatal("nothing delivered")
	}
	if k := all[0].Kind(); k != event.VMStart {
		t.Errorf("first event = %s, want vm_start", k)
	}
	if k := all[len(all)-1].Kind(); k != event.VMDeath {
		t.Errorf("last event = %s, want vm_death", k)
	}
	if n := rec.count(event.VMInit); n != 1 {
		t.Errorf("vm_init delivered %d times", n)
	}
	if d.Gate().Current() != phase.Dead {
		t.Errorf("phase = %s, want dead", d.Gate().Current())
	}

	if rep.Collections == 0 {
		t.Error("no collections ran")
	}
	if s, f := rec.count(event.GarbageCollectionStart), rec.count(event.GarbageCollectionFinish); s != f || uint64(s) != rep.Collections {
		t.Errorf("gc start/finish = %d/%d, collections %d", s, f, rep.Collections)
	}
	if got := uint64(rec.count(event.ObjectFree)); got != rep.ObjectsFreed {
		t.Errorf("object_free delivered %d, freed %d", got, rep.ObjectsFreed)
	}
	// The interpreter is generated before code events may flow; only the
	// two stubs collected during start are reported.
	if n := rec.count(event.DynamicCodeGenerated); n != 2 {
		t.Errorf("dynamic_code_generated delivered %d times, want 2", n)
	}
	if rec.count(event.MethodEntry) == 0 {
		t.Error("no method entries delivered")
	}

	// Virtual threads are mounted around every yield; events they raise
	// are attributed to the virtual thread, not the carrier.
	for i := 0; i < cfg.VirtualThreads; i++ {
		v := firstVirtual + event.ThreadID(i)
		mounts, unmounts := 0, 0
		for _, ec := range all {
			if ec.Thread != v {
				continue
			}
			switch ec.Kind() {
			case event.VirtualThreadMount:
				mounts++
			case event.VirtualThreadUnmount:
				unmounts++
			case event.MethodEntry:
				if !ec.Virtual() || ec.Carrier != firstCarrier+event.ThreadID(i) {
					t.Errorf("method entry on %d reported with carrier %d", v, ec.Carrier)
				}
			}
		}
		if mounts == 0 || mounts != unmounts {
			t.Errorf("virtual thread %d: mounts %d, unmounts %d", v, mounts, unmounts)
		}
	}
}

func TestVM_InvalidProgram(t *testing.T) {
	d, _ := newDispatcher(t)
	_, err := New(d, Config{Threads: 1}, WithPrograms(Program{{Kind: OpReturn}})).Run(context.Background())
	if !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("Run() = %v, want ErrInvalidProgram", err)
	}
	if d.Gate().Current() != phase.Primordial {
		t.Errorf("invalid program advanced the gate to %s", d.Gate().Current())
	}
}

func TestVM_Cancel(t *testing.T) {
	d, _ := newDispatcher(t, event.MethodEntry)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{Threads: 2, Ops: 1000, GCInterval: time.Millisecond}
	_, err := New(d, cfg).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
