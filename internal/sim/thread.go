package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/threadstate"
)

// largeObject is the smallest allocation the simulated heap cannot satisfy.
const largeObject = 1 << 30

type frame struct {
	method event.MethodRef
	loc    event.Location
}

// thread executes a program. Events are posted on id; for a virtual thread
// id is its carrier and vthread is the mounted thread.
type thread struct {
	vm      *VM
	id      event.ThreadID
	vthread event.ThreadID

	mu    sync.Mutex
	stack []frame
}

func newThread(vm *VM, id, vthread event.ThreadID) *thread {
	return &thread{vm: vm, id: id, vthread: vthread}
}

// depth is the thread's depth oracle.
func (t *thread) depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stack)
}

func (t *thread) push(m event.MethodRef) {
	t.mu.Lock()
	t.stack = append(t.stack, frame{method: m, loc: 0})
	t.mu.Unlock()
}

func (t *thread) pop() {
	t.mu.Lock()
	t.stack = t.stack[:len(t.stack)-1]
	t.mu.Unlock()
}

// top returns the top frame after moving it to loc. A negative loc keeps
// the current position.
func (t *thread) top(loc event.Location) (frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stack) == 0 {
		return frame{}, false
	}
	f := &t.stack[len(t.stack)-1]
	if loc >= 0 {
		f.loc = loc
	}
	return *f, true
}

// frameAt returns the frame n below the top.
func (t *thread) frameAt(n int) frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stack[len(t.stack)-1-n]
}

func (t *thread) run(ctx context.Context, p Program) error {
	for i, op := range p {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.exec(ctx, op); err != nil {
			return fmt.Errorf("thread %d op %d (%s): %w", t.id, i, op.Kind, err)
		}
		t.vm.ops.Add(1)
	}
	return nil
}

func (t *thread) exec(ctx context.Context, op Op) error {
	d := t.vm.d

	if op.Kind.needsFrame() && t.depth() == 0 {
		return ErrStackUnderflow
	}

	switch op.Kind {
	case OpCall:
		t.push(op.Method)
		d.PostMethodEntry(ctx, t.id, op.Method)
		t.vm.called(op.Method)

	case OpReturn:
		f, _ := t.top(-1)
		d.PostMethodExit(ctx, t.id, f.method, op.Value)
		t.pop()

	case OpStep:
		f, _ := t.top(op.Loc)
		d.AtSingleSteppingPoint(ctx, t.id, f.method, f.loc)

	case OpBreakpoint:
		f, _ := t.top(op.Loc)
		d.PostBreakpoint(ctx, t.id, f.method, f.loc)

	case OpThrow:
		t.throw(ctx, op)

	case OpFieldAccess:
		f, _ := t.top(op.Loc)
		d.PostFieldAccess(ctx, t.id, f.method, f.loc, op.Field, t.vm.newObject())

	case OpFieldModify:
		f, _ := t.top(op.Loc)
		sig := byte('L')
		if op.Field.Type != "" {
			sig = op.Field.Type[0]
		}
		d.PostFieldModification(ctx, t.id, f.method, f.loc, op.Field, t.vm.newObject(), sig, op.Value)

	case OpAlloc:
		t.alloc(ctx, op)

	case OpMonitor:
		d.PostMonitorContendedEnter(ctx, t.id, op.Monitor)
		d.PostMonitorContendedEntered(ctx, t.id, op.Monitor)
		d.PostMonitorWait(ctx, t.id, op.Monitor, op.Timeout)
		d.PostMonitorWaited(ctx, t.id, op.Monitor, op.Timeout > 0)

	case OpYield:
		return t.yield(ctx, op.Frames)

	case OpLoadClass:
		t.vm.loadClass(ctx, t.id, op.Class)

	case OpNativeBind:
		addr := uintptr(0x10000) + uintptr(len(op.Method.Name))<<4
		d.PostNativeMethodBind(ctx, t.id, op.Method, addr)

	default:
		return fmt.Errorf("%w: unknown op %d", ErrInvalidProgram, op.Kind)
	}
	return nil
}

// throw raises an exception at the top frame and unwinds op.Unwind frames
// to its handler.
func (t *thread) throw(ctx context.Context, op Op) {
	d := t.vm.d
	exc := t.newException(ctx)
	defer t.vm.discard(exc)

	thrower, _ := t.top(op.Loc)
	uncaught := op.Unwind >= t.depth()

	var handler frame
	catchLoc := event.NoLocation
	if !uncaught {
		handler = t.frameAt(op.Unwind)
		catchLoc = handler.loc + 1
	}
	d.PostExceptionThrow(ctx, t.id, thrower.method, thrower.loc, exc, handler.method, catchLoc)

	unwind := op.Unwind
	if uncaught {
		unwind = t.depth()
	}
	for i := 0; i < unwind; i++ {
		f, _ := t.top(-1)
		d.NoticeUnwindDueToException(ctx, t.id, f.method, f.loc, exc, false)
		t.pop()
	}
	if !uncaught {
		f, _ := t.top(catchLoc)
		d.NoticeUnwindDueToException(ctx, t.id, f.method, f.loc, exc, true)
	}
	d.ClearDetectedException(t.id)
}

// newException allocates the exception object for a runtime throw. The
// backtrace the runtime fills in alongside it is not reported.
func (t *thread) newException(ctx context.Context) event.ObjectRef {
	d := t.vm.d
	c := d.CollectVMObjectAllocs(ctx, t.id)
	defer c.End()

	exc := t.vm.newObject()
	d.RecordVMInternalAllocation(t.id, event.Allocation{Object: exc, Class: "java/lang/RuntimeException", Size: 40})

	restore := threadstate.SuppressAllocRecording(d.Threads().Get(t.id))
	backtrace := t.vm.newObject()
	d.RecordVMInternalAllocation(t.id, event.Allocation{
		Object: backtrace,
		Class:  "[Ljava/lang/StackTraceElement;",
		Size:   16 + 8*int64(t.depth()),
	})
	restore()
	t.vm.discard(backtrace)
	return exc
}

// alloc allocates an instance of op.Class and drops it so the next
// collection frees it. Allocations of largeObject bytes or more exhaust the
// heap instead.
func (t *thread) alloc(ctx context.Context, op Op) {
	d := t.vm.d
	if op.Size >= largeObject {
		d.PostResourceExhausted(ctx, t.id, event.ResourceOOMError|event.ResourceHeap, "Java heap space")
		return
	}

	sc := d.CollectSampledAllocs(ctx, t.id)
	obj := t.vm.newObject()
	d.RecordSampledAllocation(t.id, event.Allocation{Object: obj, Class: op.Class, Size: op.Size})
	sc.End()

	t.vm.discard(obj)
}

// park removes the top n frames and returns them for resume.
func (t *thread) park(n int) []frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	at := len(t.stack) - n
	parked := append([]frame(nil), t.stack[at:]...)
	t.stack = t.stack[:at]
	return parked
}

// resume pushes parked frames back and drops the depth cached while they
// were off the stack.
func (t *thread) resume(owner event.ThreadID, parked []frame) {
	t.mu.Lock()
	t.stack = append(t.stack, parked...)
	t.mu.Unlock()
	if s := t.vm.d.Threads().Get(owner); s != nil {
		s.InvalidateDepth()
	}
}

// yield parks the continuation holding the top frames and resumes it. A
// virtual thread is unmounted from its carrier for the duration.
func (t *thread) yield(ctx context.Context, frames int) error {
	d := t.vm.d
	if frames > t.depth() {
		frames = t.depth()
	}
	if t.vthread == event.NoThread {
		parked := t.park(frames)
		d.ContinuationYieldCleanup(t.id, frames)
		t.resume(t.id, parked)
		return nil
	}

	if err := d.UnmountVirtualThread(ctx, t.id); err != nil {
		return err
	}
	parked := t.park(frames)
	d.ContinuationYieldCleanup(t.vthread, frames)
	t.resume(t.vthread, parked)
	return d.MountVirtualThread(ctx, t.id, t.vthread)
}
