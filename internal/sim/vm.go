// Package sim drives a dispatcher with a simulated runtime.
//
// A VM boots through the phase lifecycle, runs platform and virtual threads
// executing Programs concurrently, and runs a collector goroutine that
// reports garbage collections, object frees, class unloads and compiled
// code. It stands in for the execution engine, class loader and collector
// that would post events in a real runtime.
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/vmtap/internal/dispatch"
	"github.com/dshills/vmtap/internal/event"
)

// Thread IDs used by the simulation.
const (
	MainThread    event.ThreadID = 1
	firstPlatform event.ThreadID = 2
	firstCarrier  event.ThreadID = 1000
	firstVirtual  event.ThreadID = 2000
)

// compileThreshold is the number of calls after which a method is compiled.
const compileThreshold = 8

// Config configures a VM.
type Config struct {
	Threads        int
	VirtualThreads int

	// Ops is the approximate length of each thread's program.
	Ops int

	GCInterval time.Duration
	Seed       uint64
	Workload   Workload
}

// DefaultConfig returns a small simulation.
func DefaultConfig() Config {
	return Config{
		Threads:        4,
		VirtualThreads: 2,
		Ops:            100,
		GCInterval:     10 * time.Millisecond,
		Seed:           1,
		Workload:       DefaultWorkload(),
	}
}

// Report summarizes a run.
type Report struct {
	Threads         int
	VirtualThreads  int
	Ops             uint64
	Collections     uint64
	ObjectsFreed    uint64
	ClassesLoaded   uint64
	ClassesUnloaded uint64
	MethodsCompiled uint64
	Elapsed         time.Duration
}

// VM is a simulated runtime posting to a dispatcher.
type VM struct {
	d      *dispatch.Dispatcher
	cfg    Config
	logger *zap.Logger

	// programs overrides generated programs, by platform thread index.
	programs []Program

	objects atomic.Uint64
	ops     atomic.Uint64
	gcs     atomic.Uint64
	freed   atomic.Uint64
	loaded  atomic.Uint64

	mu       sync.Mutex
	garbage  []int64
	classes  []loadedClass
	unloaded uint64
	calls    map[event.MethodRef]int
	compiled map[event.MethodRef]uintptr
	nextCode uintptr
}

// Option configures a VM.
type Option func(*VM)

// WithLogger sets the VM logger.
func WithLogger(l *zap.Logger) Option {
	return func(vm *VM) {
		if l != nil {
			vm.logger = l
		}
	}
}

// WithPrograms runs the given programs on the platform threads instead of
// generated ones. Thread i runs programs[i % len(programs)].
func WithPrograms(programs ...Program) Option {
	return func(vm *VM) {
		vm.programs = programs
	}
}

// New returns a VM that posts to d.
func New(d *dispatch.Dispatcher, cfg Config, opts ...Option) *VM {
	if len(cfg.Workload.Methods) == 0 {
		cfg.Workload = DefaultWorkload()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultConfig().GCInterval
	}
	vm := &VM{
		d:        d,
		cfg:      cfg,
		logger:   zap.NewNop(),
		calls:    make(map[event.MethodRef]int),
		compiled: make(map[event.MethodRef]uintptr),
		nextCode: 0x7f0000000000,
	}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// Run boots the runtime, runs every thread to completion and shuts the
// runtime down. The dispatcher must be started.
func (vm *VM) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	for i, p := range vm.programs {
		if err := p.Validate(); err != nil {
			return Report{}, fmt.Errorf("program %d: %w", i, err)
		}
	}

	if err := vm.boot(ctx); err != nil {
		return Report{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	var mutators sync.WaitGroup
	for i := 0; i < vm.cfg.Threads; i++ {
		mutators.Add(1)
		g.Go(func() error {
			defer mutators.Done()
			return vm.runPlatform(gctx, i)
		})
	}
	for i := 0; i < vm.cfg.VirtualThreads; i++ {
		mutators.Add(1)
		g.Go(func() error {
			defer mutators.Done()
			return vm.runVirtual(gctx, i)
		})
	}

	done := make(chan struct{})
	go func() {
		mutators.Wait()
		close(done)
	}()
	g.Go(func() error {
		vm.collectLoop(gctx, done)
		return nil
	})

	runErr := g.Wait()

	// A final collection reclaims everything the threads left behind.
	vm.collect(ctx)
	vm.unloadCompiled()
	if err := vm.d.PostVMDeath(ctx, MainThread); err != nil && runErr == nil {
		runErr = err
	}

	vm.mu.Lock()
	unloaded := vm.unloaded
	compiled := uint64(len(vm.compiled))
	vm.mu.Unlock()

	rep := Report{
		Threads:         vm.cfg.Threads,
		VirtualThreads:  vm.cfg.VirtualThreads,
		Ops:             vm.ops.Load(),
		Collections:     vm.gcs.Load(),
		ObjectsFreed:    vm.freed.Load(),
		ClassesLoaded:   vm.loaded.Load(),
		ClassesUnloaded: unloaded,
		MethodsCompiled: compiled,
		Elapsed:         time.Since(start),
	}
	vm.logger.Info("simulation finished",
		zap.Uint64("ops", rep.Ops),
		zap.Uint64("collections", rep.Collections),
		zap.Duration("elapsed", rep.Elapsed),
		zap.Error(runErr),
	)
	return rep, runErr
}

// boot walks the runtime from primordial to live on the main thread.
func (vm *VM) boot(ctx context.Context) error {
	d := vm.d
	d.PostEarlyVMStart(ctx, MainThread)
	vm.loadClass(ctx, MainThread, "java/lang/Object")
	d.PostDynamicCodeGenerated(ctx, MainThread, event.CodeRange{Name: "interpreter", Address: 0x1000, Size: 4096})

	if err := d.PostVMStart(ctx, MainThread); err != nil {
		return fmt.Errorf("vm start: %w", err)
	}
	d.PostThreadStart(ctx, MainThread, "main")
	vm.loadClass(ctx, MainThread, "java/lang/String")

	// Stubs generated under the code cache lock are reported once the
	// lock is released.
	c := d.CollectDynamicCode(ctx, MainThread)
	d.PostDynamicCodeGeneratedWhileHoldingLocks(MainThread, event.CodeRange{Name: "call_stub", Address: 0x2000, Size: 256})
	d.PostDynamicCodeGeneratedWhileHoldingLocks(MainThread, event.CodeRange{Name: "catch_exception_stub", Address: 0x2100, Size: 128})
	c.End()

	if err := d.PostVMInit(ctx, MainThread); err != nil {
		return fmt.Errorf("vm init: %w", err)
	}
	return nil
}

func (vm *VM) program(index int) Program {
	if len(vm.programs) > 0 {
		return vm.programs[index%len(vm.programs)]
	}
	r := rand.New(rand.NewPCG(vm.cfg.Seed, uint64(index)))
	return Random(r, vm.cfg.Workload, vm.cfg.Ops)
}

func (vm *VM) runPlatform(ctx context.Context, index int) error {
	id := firstPlatform + event.ThreadID(index)
	vm.d.PostThreadStart(ctx, id, fmt.Sprintf("worker-%d", index))
	defer vm.d.PostThreadEnd(ctx, id)

	t := newThread(vm, id, event.NoThread)
	if s := vm.d.Threads().Get(id); s != nil {
		s.SetDepthOracle(t.depth)
	}
	return t.run(ctx, vm.program(index))
}

func (vm *VM) runVirtual(ctx context.Context, index int) error {
	carrier := firstCarrier + event.ThreadID(index)
	vthread := firstVirtual + event.ThreadID(index)
	d := vm.d

	d.PostThreadStart(ctx, carrier, fmt.Sprintf("carrier-%d", index))
	defer d.PostThreadEnd(ctx, carrier)

	d.PostVirtualThreadStart(ctx, carrier, vthread, fmt.Sprintf("virtual-%d", index))
	defer d.PostVirtualThreadEnd(ctx, carrier, vthread)

	t := newThread(vm, carrier, vthread)
	if s := d.Threads().Get(vthread); s != nil {
		s.SetDepthOracle(t.depth)
	}

	if err := d.MountVirtualThread(ctx, carrier, vthread); err != nil {
		return err
	}
	r := rand.New(rand.NewPCG(vm.cfg.Seed, uint64(vthread)))
	if err := t.run(ctx, Random(r, vm.cfg.Workload, vm.cfg.Ops)); err != nil {
		return err
	}
	return d.UnmountVirtualThread(ctx, carrier)
}

// collectLoop runs periodic collections until done is closed.
func (vm *VM) collectLoop(ctx context.Context, done <-chan struct{}) {
	tick := time.NewTicker(vm.cfg.GCInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-tick.C:
			vm.collect(ctx)
		}
	}
}

// collect runs one garbage collection: it frees every unreachable object
// and unloads one class no thread still needs.
func (vm *VM) collect(ctx context.Context) {
	vm.mu.Lock()
	garbage := vm.garbage
	vm.garbage = nil
	var unload loadedClass
	if n := len(vm.classes); n > 0 && vm.gcs.Load()%4 == 3 {
		unload = vm.classes[n-1]
		vm.classes = vm.classes[:n-1]
		vm.unloaded++
		garbage = append(garbage, int64(unload.mirror))
	}
	vm.mu.Unlock()

	m := vm.d.GCMarker(ctx)
	vm.gcs.Add(1)
	m.End()

	if len(garbage) > 0 {
		for _, o := range vm.d.Registry().Snapshot() {
			vm.d.PostObjectFree(o, garbage...)
		}
		vm.freed.Add(uint64(len(garbage)))
	}
	if unload.name != "" {
		vm.d.PostClassUnload(unload.name)
	}
}

func (vm *VM) newObject() event.ObjectRef {
	return event.ObjectRef(vm.objects.Add(1))
}

func (vm *VM) discard(obj event.ObjectRef) {
	vm.mu.Lock()
	vm.garbage = append(vm.garbage, int64(obj))
	vm.mu.Unlock()
}

type loadedClass struct {
	name   string
	mirror event.ObjectRef
}

// loadClass loads name on thread. Single stepping is hidden while the
// loader runs.
func (vm *VM) loadClass(ctx context.Context, thread event.ThreadID, name string) {
	d := vm.d
	d.HideSingleStepping(thread)
	defer d.ExposeSingleStepping(thread)

	res := d.PostClassFileLoadHook(ctx, dispatch.ClassFileLoad{
		Thread: thread,
		Name:   name,
		Data:   classBytes(name),
	})
	if res.Replaced {
		vm.logger.Debug("class transformed", zap.String("class", name), zap.Int("bytes", len(res.Data)))
	}

	mirror := vm.newObject()
	d.PostVMObjectAlloc(ctx, thread, event.Allocation{Object: mirror, Class: "java/lang/Class", Size: 96})
	d.PostClassLoad(ctx, thread, name)
	d.PostClassPrepare(ctx, thread, name)

	vm.loaded.Add(1)
	vm.mu.Lock()
	vm.classes = append(vm.classes, loadedClass{name: name, mirror: mirror})
	vm.mu.Unlock()
}

// called counts a call to m and compiles it once it is hot.
func (vm *VM) called(m event.MethodRef) {
	vm.mu.Lock()
	vm.calls[m]++
	hot := vm.calls[m] == compileThreshold
	var addr uintptr
	if hot {
		addr = vm.nextCode
		vm.nextCode += 0x400
		vm.compiled[m] = addr
	}
	vm.mu.Unlock()

	if hot {
		vm.d.PostCompiledMethodLoad(m, event.CodeRange{Name: m.String(), Address: addr, Size: 0x400}, []byte(m.Name))
	}
}

func (vm *VM) unloadCompiled() {
	vm.mu.Lock()
	compiled := make(map[event.MethodRef]uintptr, len(vm.compiled))
	for m, addr := range vm.compiled {
		compiled[m] = addr
	}
	vm.mu.Unlock()
	for m, addr := range compiled {
		vm.d.PostCompiledMethodUnload(m, addr)
	}
}

// classBytes fabricates a class file image for name.
func classBytes(name string) []byte {
	b := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00, 0x00, 0x00, 0x41}
	return append(b, name...)
}
