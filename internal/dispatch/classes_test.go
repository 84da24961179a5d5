package dispatch

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/phase"
)

// transformer registers an observer whose load hook appends suffix to the
// bytes it receives. A nil suffix leaves the bytes alone.
func (h *harness) transformer(t *testing.T, name string, caps capability.Set, suffix []byte) (*observer.Observer, *[][]byte) {
	t.Helper()
	o, err := h.reg.Register(name, caps)
	if err != nil {
		t.Fatal(err)
	}
	var seen [][]byte
	err = o.SetClassFileLoadHook(func(_ context.Context, ec event.Context, data []byte) []byte {
		seen = append(seen, append([]byte(nil), data...))
		if suffix == nil {
			return nil
		}
		out := append([]byte(nil), data...)
		return append(out, suffix...)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.reg.SetEnabled(o, event.ClassFileLoadHook, nil, true); err != nil {
		t.Fatal(err)
	}
	return o, &seen
}

func TestClassFileLoadHook_Chain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, phase.Live)

	// Registered first, but retransformable observers run last.
	_, o2Seen := h.transformer(t, "O2", capability.Of(capability.CanRetransformClasses), []byte("+B2"))
	_, o1Seen := h.transformer(t, "O1", capability.Set(0), []byte("+B1"))

	orig := []byte("class-bytes")
	res := h.d.PostClassFileLoadHook(ctx, ClassFileLoad{Thread: 1, Name: "app/Foo", Data: orig})

	if diff := cmp.Diff("class-bytes+B1+B2", string(res.Data)); diff != "" {
		t.Errorf("final bytes mismatch (-want +got):\n%s", diff)
	}
	if !res.Replaced {
		t.Error("expected Replaced")
	}
	if diff := cmp.Diff([][]byte{[]byte("class-bytes")}, *o1Seen); diff != "" {
		t.Errorf("O1 input mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{[]byte("class-bytes+B1")}, *o2Seen); diff != "" {
		t.Errorf("O2 input mismatch (-want +got):\n%s", diff)
	}
	if string(orig) != "class-bytes" {
		t.Error("input buffer was modified")
	}

	cached, ok := res.Cache.Take()
	if !ok || string(cached) != "class-bytes+B1" {
		t.Fatalf("Take() = %q, %v; want bytes before the retransformable hook", cached, ok)
	}
	if _, ok := res.Cache.Take(); ok {
		t.Error("original bytes retrievable twice")
	}
}

func TestClassFileLoadHook_Retransform(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, phase.Live)
	_, plainSeen := h.transformer(t, "plain", capability.Set(0), []byte("+p"))
	_, rtSeen := h.transformer(t, "rt", capability.Of(capability.CanRetransformClasses), []byte("+r"))

	res := h.d.PostClassFileLoadHook(ctx, ClassFileLoad{Thread: 1, Name: "app/Foo", Data: []byte("v1")})
	if string(res.Data) != "v1+p+r" {
		t.Errorf("loaded bytes = %q", res.Data)
	}
	orig, ok := res.Cache.Take()
	if !ok || string(orig) != "v1+p" {
		t.Fatalf("Take() = %q, %v; want non-retransformable edits kept", orig, ok)
	}

	res = h.d.PostClassFileLoadHook(ctx, ClassFileLoad{
		Thread: 1,
		Name:   "app/Foo",
		Data:   orig,
		Kind:   LoadKindRetransform,
	})
	if string(res.Data) != "v1+p+r" {
		t.Errorf("retransformed bytes = %q", res.Data)
	}
	if len(*plainSeen) != 1 {
		t.Errorf("non-retransformable hook ran %d times, want 1", len(*plainSeen))
	}
	if len(*rtSeen) != 2 {
		t.Errorf("retransformable hook ran %d times, want 2", len(*rtSeen))
	}
}

func TestClassFileLoadHook_NoReplacement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, phase.Live)
	h.transformer(t, "watcher", capability.Of(capability.CanRetransformClasses), nil)

	in := []byte("untouched")
	res := h.d.PostClassFileLoadHook(ctx, ClassFileLoad{Thread: 1, Name: "app/Bar", Data: in})
	if res.Replaced || &res.Data[0] != &in[0] {
		t.Error("expected the original buffer back")
	}
	if res.Cache.Cached() {
		t.Error("nothing should be cached without a replacement")
	}
}

func TestClassFileLoadHook_EarlyPhase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, phase.Primordial)

	early := capability.Of(capability.CanGenerateAllClassHookEvents, capability.CanGenerateEarlyClassHookEvents)
	_, earlySeen := h.transformer(t, "early", early, []byte("+e"))
	_, lateSeen := h.transformer(t, "late", capability.Set(0), []byte("+l"))

	res := h.d.PostClassFileLoadHook(ctx, ClassFileLoad{Thread: 1, Name: "java/lang/Object", Data: []byte("obj")})
	if string(res.Data) != "obj+e" {
		t.Errorf("primordial bytes = %q", res.Data)
	}
	if len(*earlySeen) != 1 || len(*lateSeen) != 0 {
		t.Errorf("early=%d late=%d calls", len(*earlySeen), len(*lateSeen))
	}

	h.gate.MustAdvance(phase.Start)
	res = h.d.PostClassFileLoadHook(ctx, ClassFileLoad{Thread: 1, Name: "app/Main", Data: []byte("main")})
	if string(res.Data) != "main+e+l" {
		t.Errorf("start phase bytes = %q", res.Data)
	}
}

func TestClassFileLoadHook_HiddenInsideCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, phase.Live)

	o, err := h.reg.Register("loader", capability.Set(0))
	if err != nil {
		t.Fatal(err)
	}
	var nested ClassFileLoadResult
	_ = o.SetClassFileLoadHook(func(ctx context.Context, ec event.Context, data []byte) []byte {
		// Loading a helper class from inside the hook must not recurse.
		nested = h.d.PostClassFileLoadHook(ctx, ClassFileLoad{Thread: 1, Name: "app/Helper", Data: []byte("h")})
		return append(append([]byte(nil), data...), '!')
	})
	_ = h.reg.SetEnabled(o, event.ClassFileLoadHook, nil, true)

	res := h.d.PostClassFileLoadHook(ctx, ClassFileLoad{Thread: 1, Name: "app/Main", Data: []byte("m")})
	if string(res.Data) != "m!" {
		t.Errorf("outer bytes = %q", res.Data)
	}
	if nested.Replaced || string(nested.Data) != "h" {
		t.Errorf("nested load was transformed: %+v", nested)
	}
}

func TestClassFileCache(t *testing.T) {
	c := NewClassFileCache()
	if c.Cached() {
		t.Error("new cache must be empty")
	}
	if _, ok := c.Take(); ok {
		t.Error("Take on empty cache succeeded")
	}

	b := []byte("abc")
	if !c.Store(b) {
		t.Fatal("first Store failed")
	}
	b[0] = 'x'
	if c.Store([]byte("other")) {
		t.Error("second Store succeeded")
	}
	got, ok := c.Take()
	if !ok || string(got) != "abc" {
		t.Errorf("Take() = %q, %v", got, ok)
	}
	if c.Store([]byte("again")) {
		t.Error("Store after Take succeeded")
	}
}

func TestClassEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, phase.Live)
	_, rec := h.observe(t, "classes", capability.Set(0), event.ClassLoad, event.ClassPrepare, event.ClassUnload)

	h.d.PostClassLoad(ctx, 1, "app/Foo")
	h.d.PostClassPrepare(ctx, 1, "app/Foo")
	h.d.PostClassUnload("app/Old")
	h.flush(t)

	var got []string
	for _, ec := range rec.all() {
		got = append(got, ec.Kind().String()+":"+ec.Event.Class)
	}
	want := []string{"class_load:app/Foo", "class_prepare:app/Foo", "class_unload:app/Old"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
