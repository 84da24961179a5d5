package dispatch

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
)

// LoadKind says why class bytes are passing through the load hook.
type LoadKind int

const (
	// LoadKindLoad is a first definition of the class.
	LoadKindLoad LoadKind = iota

	// LoadKindRedefine replaces the class with caller-supplied bytes.
	LoadKindRedefine

	// LoadKindRetransform re-runs the retransformable hooks over the
	// class's original bytes.
	LoadKindRetransform
)

// String returns the load kind name.
func (k LoadKind) String() string {
	switch k {
	case LoadKindLoad:
		return "load"
	case LoadKindRedefine:
		return "redefine"
	case LoadKindRetransform:
		return "retransform"
	default:
		return "unknown"
	}
}

// ClassFileLoad describes class bytes about to be defined.
type ClassFileLoad struct {
	Thread           event.ThreadID
	Name             string
	Loader           event.ObjectRef
	ProtectionDomain event.ObjectRef
	Data             []byte
	Kind             LoadKind

	// Cache holds the class's original bytes across retransformations. A
	// new cache is created when nil.
	Cache *ClassFileCache
}

// ClassFileLoadResult is the outcome of the hook chain.
type ClassFileLoadResult struct {
	// Data is the bytes to define: the last hook's output, or the input
	// when no hook replaced it.
	Data []byte

	// Replaced reports whether any hook returned replacement bytes.
	Replaced bool

	Cache *ClassFileCache
}

type cacheState int

const (
	cacheEmpty cacheState = iota
	cacheStored
	cacheTaken
)

// ClassFileCache keeps the pre-transformation bytes of a class so a later
// retransformation can start from them. Bytes are stored at most once and
// can be taken at most once.
type ClassFileCache struct {
	mu    sync.Mutex
	data  []byte
	state cacheState
}

// NewClassFileCache returns an empty cache.
func NewClassFileCache() *ClassFileCache {
	return &ClassFileCache{}
}

// Store saves a copy of b. It reports false if the cache was already
// filled.
func (c *ClassFileCache) Store(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cacheEmpty {
		return false
	}
	c.data = append([]byte(nil), b...)
	c.state = cacheStored
	return true
}

// Take returns the cached bytes and releases them. Only the first call
// after Store succeeds.
func (c *ClassFileCache) Take() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cacheStored {
		return nil, false
	}
	b := c.data
	c.data = nil
	c.state = cacheTaken
	return b, true
}

// Cached reports whether bytes are stored and not yet taken.
func (c *ClassFileCache) Cached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == cacheStored
}

// PostClassFileLoadHook passes req.Data through every interested observer's
// class file load hook. Non-retransformable observers run first, then
// retransformable ones; each hook sees the previous hook's output. The
// bytes handed to the first retransformable replacement are cached. A retransformation skips non-retransformable observers.
func (d *Dispatcher) PostClassFileLoadHook(ctx context.Context, req ClassFileLoad) ClassFileLoadResult {
	cache := req.Cache
	if cache == nil {
		cache = NewClassFileCache()
	}
	res := ClassFileLoadResult{Data: req.Data, Cache: cache}

	if !d.registry.AnyEnabled(event.ClassFileLoadHook) {
		return res
	}

	d.stats.posted.Add(1)
	desc := event.ClassFileLoadHook.Descriptor()
	early, ok := d.admit(desc)
	if !ok {
		d.stats.droppedPhase.Add(1)
		d.logger.Debug("class file load hook dropped by phase gate",
			zap.String("class", req.Name),
			zap.Stringer("phase", d.gate.Current()),
		)
		return res
	}

	carrier, eff := d.state(req.Thread)
	if carrier != nil && (carrier.EventsHidden() || carrier.InMountTransition()) {
		d.stats.droppedHidden.Add(1)
		return res
	}

	ctx, span := d.tracer.Start(ctx, "vmtap.class_file_load_hook",
		trace.WithAttributes(
			attribute.String("vmtap.class", req.Name),
			attribute.String("vmtap.load_kind", req.Kind.String()),
			attribute.Int("vmtap.class_bytes", len(req.Data)),
		),
	)
	defer span.End()

	ev := event.New(event.ClassFileLoadHook, req.Thread)
	ev.Class = req.Name
	ev.Payload.Loader = req.Loader
	ev.Payload.ProtectionDomain = req.ProtectionDomain
	ev.Payload.Redefining = req.Kind != LoadKindLoad
	r := route{carrier: carrier, eff: eff}

	tok := d.registry.Acquire()
	defer tok.Release()

	observers := tok.Observers()
	calls := 0
	for _, retransformable := range []bool{false, true} {
		if !retransformable && req.Kind == LoadKindRetransform {
			continue
		}
		for _, o := range observers {
			if o.IsRetransformable() != retransformable {
				continue
			}
			if !d.wants(o, desc, eff, early) {
				continue
			}
			hook := o.ClassFileLoadHook()
			if hook == nil {
				continue
			}

			out := d.invokeHook(ctx, o, ev, r, hook, res.Data)
			calls++
			if out == nil {
				continue
			}
			if retransformable {
				cache.Store(res.Data)
			}
			res.Data = out
			res.Replaced = true
		}
	}

	span.SetAttributes(
		attribute.Int("vmtap.deliveries", calls),
		attribute.Bool("vmtap.replaced", res.Replaced),
	)
	return res
}

func (d *Dispatcher) invokeHook(ctx context.Context, o *observer.Observer, ev event.Event, r route, hook observer.ClassFileLoadHook, data []byte) []byte {
	ec := d.buildContext(o, ev, r)
	o.RecordDelivery(ev.Kind)
	d.stats.delivered.Add(1)

	g := r.carrier.EnterCallback()
	defer g.Restore()
	return hook(ctx, ec, data)
}

// PostClassLoad reports that class was loaded on thread.
func (d *Dispatcher) PostClassLoad(ctx context.Context, thread event.ThreadID, class string) {
	d.postClass(ctx, event.ClassLoad, thread, class)
}

// PostClassPrepare reports that class was linked and prepared on thread.
func (d *Dispatcher) PostClassPrepare(ctx context.Context, thread event.ThreadID, class string) {
	d.postClass(ctx, event.ClassPrepare, thread, class)
}

func (d *Dispatcher) postClass(ctx context.Context, k event.Kind, thread event.ThreadID, class string) {
	carrier, eff := d.state(thread)
	ev := event.New(k, thread)
	ev.Class = class
	d.dispatch(ctx, ev, route{carrier: carrier, eff: eff})
}

// PostClassUnload queues an unload notification for class. Unloading
// happens during collection, so delivery is deferred.
func (d *Dispatcher) PostClassUnload(class string) {
	if !d.registry.AnyEnabled(event.ClassUnload) {
		return
	}
	ev := event.New(event.ClassUnload, event.NoThread)
	ev.Class = class
	d.enqueue(ev)
}
