package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/vmtap/internal/event"
)

type sink struct {
	mu  sync.Mutex
	got []string
}

func (s *sink) deliver(_ context.Context, ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev.Class)
}

func (s *sink) classes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func classEvent(name string) event.Event {
	ev := event.New(event.ClassUnload, event.NoThread)
	ev.Class = name
	return ev
}

func startQueue(t *testing.T, q *DeferredQueue) {
	t.Helper()
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
}

func TestDeferredQueue_PreservesEnqueueOrder(t *testing.T) {
	s := &sink{}
	q := NewDeferredQueue(s.deliver)
	startQueue(t, q)

	// Three producers, each released only after the previous one enqueued.
	names := []string{"E1", "E2", "E3"}
	gates := make([]chan struct{}, len(names)+1)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	for i, name := range names {
		go func() {
			<-gates[i]
			if err := q.Enqueue(classEvent(name)); err != nil {
				t.Errorf("Enqueue(%s): %v", name, err)
			}
			close(gates[i+1])
		}()
	}
	close(gates[0])
	<-gates[len(names)]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if diff := cmp.Diff(names, s.classes()); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestDeferredQueue_ManyProducers(t *testing.T) {
	s := &sink{}
	q := NewDeferredQueue(s.deliver)
	startQueue(t, q)

	const producers, each = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = q.Enqueue(classEvent("x"))
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(s.classes()); got != producers*each {
		t.Errorf("delivered %d, want %d", got, producers*each)
	}
	stats := q.Stats()
	if stats.Enqueued != producers*each || stats.Delivered != producers*each || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestDeferredQueue_Exhaustion(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := &sink{}
	var exhausted atomic.Int32

	q := NewDeferredQueue(func(ctx context.Context, ev event.Event) {
		once.Do(func() {
			close(started)
			<-release
		})
		s.deliver(ctx, ev)
	},
		WithQueueLimit(1),
		WithExhaustionHandler(func(context.Context) { exhausted.Add(1) }),
	)
	startQueue(t, q)

	if err := q.Enqueue(classEvent("a")); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := q.Enqueue(classEvent("b")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(classEvent("c")); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, s.classes()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if exhausted.Load() != 1 {
		t.Errorf("exhaustion handler ran %d times", exhausted.Load())
	}
	if q.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d", q.Stats().Dropped)
	}
}

func TestDeferredQueue_RecoversPanics(t *testing.T) {
	s := &sink{}
	q := NewDeferredQueue(func(ctx context.Context, ev event.Event) {
		if ev.Class == "bad" {
			panic("callback failed")
		}
		s.deliver(ctx, ev)
	})
	startQueue(t, q)

	for _, name := range []string{"bad", "good"} {
		if err := q.Enqueue(classEvent(name)); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"good"}, s.classes()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if q.Stats().Panicked != 1 {
		t.Errorf("Panicked = %d", q.Stats().Panicked)
	}
}

func TestDeferredQueue_StartStop(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	q := NewDeferredQueue(s.deliver)

	if err := q.Enqueue(classEvent("early")); !errors.Is(err, ErrQueueNotRunning) {
		t.Errorf("expected ErrQueueNotRunning before Start, got %v", err)
	}
	if err := q.Flush(ctx); !errors.Is(err, ErrQueueNotRunning) {
		t.Errorf("expected ErrQueueNotRunning from Flush, got %v", err)
	}
	if err := q.Stop(ctx); !errors.Is(err, ErrQueueNotRunning) {
		t.Errorf("expected ErrQueueNotRunning from Stop, got %v", err)
	}

	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if !q.IsRunning() {
		t.Error("expected running")
	}

	_ = q.Enqueue(classEvent("a"))
	_ = q.Enqueue(classEvent("b"))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, s.classes()); diff != "" {
		t.Errorf("Stop must drain pending events (-want +got):\n%s", diff)
	}
	if q.IsRunning() {
		t.Error("expected stopped")
	}
	if err := q.Enqueue(classEvent("late")); !errors.Is(err, ErrQueueNotRunning) {
		t.Errorf("expected ErrQueueNotRunning after Stop, got %v", err)
	}
}

func TestDeferredQueue_OwnsEventData(t *testing.T) {
	var got []byte
	done := make(chan struct{})
	q := NewDeferredQueue(func(_ context.Context, ev event.Event) {
		got = ev.Payload.CompileInfo
		close(done)
	})
	startQueue(t, q)

	info := []byte{1, 2, 3}
	ev := event.New(event.CompiledMethodLoad, event.NoThread)
	ev.Payload.CompileInfo = info
	if err := q.Enqueue(ev); err != nil {
		t.Fatal(err)
	}
	info[0] = 9
	<-done

	if diff := cmp.Diff([]byte{1, 2, 3}, got); diff != "" {
		t.Errorf("queued event shares caller data (-want +got):\n%s", diff)
	}
}
