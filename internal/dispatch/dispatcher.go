package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/phase"
	"github.com/dshills/vmtap/internal/threadstate"
)

// Dispatcher routes events raised by the runtime to interested observers.
//
// Synchronous posts run callbacks on the posting goroutine. Posts that
// arrive in contexts where callbacks are unsafe go through the deferred
// queue and are delivered on the service thread.
type Dispatcher struct {
	gate     *phase.Gate
	registry *observer.Registry
	threads  *threadstate.Manager
	queue    *DeferredQueue

	logger  *zap.Logger
	tracer  trace.Tracer
	service *threadstate.State

	seq   atomic.Uint64
	stats stats

	mu      sync.Mutex
	running bool
}

// New creates a dispatcher. Call Start before posting deferred events.
func New(gate *phase.Gate, registry *observer.Registry, threads *threadstate.Manager, opts ...Option) *Dispatcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dispatcher{
		gate:     gate,
		registry: registry,
		threads:  threads,
		logger:   cfg.logger,
		tracer:   cfg.tracer,
	}
	d.service = threads.Attach(cfg.serviceThread, "service", false)
	d.queue = NewDeferredQueue(d.deliverDeferred,
		WithQueueLogger(cfg.logger.Named("deferred")),
		WithQueueLimit(cfg.maxPending),
		WithExhaustionHandler(d.reportExhaustion),
	)
	return d
}

// Start starts the deferred queue's drain goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	if err := d.queue.Start(ctx); err != nil {
		return err
	}
	d.running = true
	d.logger.Debug("dispatcher started", zap.Int64("service_thread", int64(d.service.ID())))
	return nil
}

// Stop drains the deferred queue and stops it.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrQueueNotRunning
	}
	d.running = false
	if err := d.queue.Stop(ctx); err != nil {
		return fmt.Errorf("stop deferred queue: %w", err)
	}
	d.logger.Debug("dispatcher stopped")
	return nil
}

// Gate returns the phase gate.
func (d *Dispatcher) Gate() *phase.Gate {
	return d.gate
}

// Registry returns the observer registry.
func (d *Dispatcher) Registry() *observer.Registry {
	return d.registry
}

// Threads returns the thread state manager.
func (d *Dispatcher) Threads() *threadstate.Manager {
	return d.threads
}

// Queue returns the deferred event queue.
func (d *Dispatcher) Queue() *DeferredQueue {
	return d.queue
}

// ServiceThread returns the thread deferred events are delivered on.
func (d *Dispatcher) ServiceThread() event.ThreadID {
	return d.service.ID()
}

// Post delivers ev synchronously to every interested observer. Class file
// load hooks carry bytes in both directions and must go through
// PostClassFileLoadHook.
func (d *Dispatcher) Post(ctx context.Context, ev event.Event) {
	if !ev.Kind.Valid() {
		d.stats.malformed.Add(1)
		d.logger.Error("malformed event dropped", zap.Uint8("kind", uint8(ev.Kind)))
		return
	}
	if ev.Kind == event.ClassFileLoadHook {
		d.stats.malformed.Add(1)
		d.logger.Warn("class file load hook posted without byte range", zap.Int64("thread", int64(ev.Thread)))
		return
	}
	carrier := d.threads.GetOrCreate(ev.Thread)
	d.dispatch(ctx, ev, route{carrier: carrier, eff: d.threads.Effective(carrier)})
}

// route says who an event is delivered on behalf of and how.
type route struct {
	// carrier is the posting thread; its mode switches around callbacks.
	carrier *threadstate.State

	// eff is the thread the event is attributed to. It differs from the
	// carrier while a virtual thread is mounted.
	eff *threadstate.State

	// filter, when set, must accept an observer for it to be considered.
	filter func(o *observer.Observer) bool

	// resolve picks the function to call; nil means the observer's
	// callback for the event kind.
	resolve func(o *observer.Observer) observer.Callback
}

// dispatch runs the delivery steps for ev. It returns the number of
// callbacks invoked.
func (d *Dispatcher) dispatch(ctx context.Context, ev event.Event, r route) int {
	d.stats.posted.Add(1)
	desc := ev.Kind.Descriptor()

	early, ok := d.admit(desc)
	if !ok {
		d.stats.droppedPhase.Add(1)
		d.logger.Debug("event dropped by phase gate",
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("phase", d.gate.Current()),
			zap.Stringer("min_phase", desc.MinPhase),
		)
		return 0
	}

	if r.carrier != nil && (r.carrier.EventsHidden() || r.carrier.InMountTransition()) {
		d.stats.droppedHidden.Add(1)
		return 0
	}

	tok := d.registry.Acquire()
	defer tok.Release()

	delivered := 0
	for _, o := range tok.Observers() {
		if ev.Observer != "" && ev.Observer != o.ID() {
			continue
		}
		if r.filter != nil && !r.filter(o) {
			continue
		}

		var fn observer.Callback
		if d.wants(o, desc, r.eff, early) {
			if r.resolve != nil {
				fn = r.resolve(o)
			} else {
				fn = o.Callback(ev.Kind)
			}
		}

		if desc.Dedupe && r.eff != nil && !o.Disposed() {
			// Every observer tracks the thread's location, delivering or not.
			os := r.eff.ObserverStateFor(o)
			if fn == nil {
				os.UpdateLocation(ev.Method, ev.Location)
				continue
			}
			if !os.CompareAndSetLocation(ev.Kind, ev.Method, ev.Location) {
				d.stats.droppedDedupe.Add(1)
				continue
			}
		}
		if fn == nil {
			continue
		}

		d.invoke(ctx, o, ev, r, fn)
		delivered++
	}
	return delivered
}

// admit applies the phase gate. early is set when the kind is only
// deliverable through its early variant.
func (d *Dispatcher) admit(desc event.Descriptor) (early, ok bool) {
	cur := d.gate.Current()
	switch {
	case cur == phase.Dead:
		return false, false
	case cur >= desc.MinPhase:
		return false, true
	case desc.HasEarlyVariant():
		return true, true
	default:
		return false, false
	}
}

// wants reports whether o should receive an event of the described kind.
func (d *Dispatcher) wants(o *observer.Observer, desc event.Descriptor, eff *threadstate.State, early bool) bool {
	k := desc.Kind
	if o.Disposed() || !o.MayBeEnabled(k) {
		return false
	}
	if early && !o.Capabilities().Has(desc.EarlyRequires) {
		return false
	}

	enabled := o.GloballyEnabled(k)
	if !enabled && desc.Scope == event.ScopeThread && eff != nil {
		if os := eff.ObserverState(o); os != nil && os.Enabled(k) {
			enabled = true
		}
	}
	if !enabled {
		return false
	}

	if !o.CanReceive(k) {
		// Registration rejects this; an enabled bit without the capability
		// means the registration layer bypassed validation.
		d.stats.droppedCapability.Add(1)
		d.logger.Warn("event withheld from observer without capability",
			zap.Stringer("kind", k),
			zap.String("observer", o.Name()),
			zap.Stringer("requires", desc.Requires),
		)
		return false
	}
	return true
}

// invoke calls fn for o with the carrier switched to callback mode. A panic
// in fn propagates after the carrier is restored.
func (d *Dispatcher) invoke(ctx context.Context, o *observer.Observer, ev event.Event, r route, fn observer.Callback) {
	ec := d.buildContext(o, ev, r)
	o.RecordDelivery(ev.Kind)
	d.stats.delivered.Add(1)

	g := r.carrier.EnterCallback()
	defer g.Restore()
	fn(ctx, ec)
}

func (d *Dispatcher) buildContext(o *observer.Observer, ev event.Event, r route) event.Context {
	var eff event.ThreadID
	if r.eff != nil && r.eff != r.carrier {
		eff = r.eff.ID()
	}
	return event.BuildContext(ev, event.Delivery{
		Observer:  o.ID(),
		Phase:     d.gate.Current(),
		Seq:       d.seq.Add(1),
		Effective: eff,
	})
}

// enqueue hands a copy of ev to the deferred queue.
func (d *Dispatcher) enqueue(ev event.Event) {
	ev.Thread = d.service.ID()
	if err := d.queue.Enqueue(ev); err != nil {
		d.stats.deferredDropped.Add(1)
		level := zap.WarnLevel
		if errors.Is(err, ErrQueueNotRunning) {
			level = zap.DebugLevel
		}
		d.logger.Check(level, "deferred event dropped").Write(
			zap.Stringer("kind", ev.Kind),
			zap.Error(err),
		)
		return
	}
	d.stats.deferred.Add(1)
}

// deliverDeferred runs on the drain goroutine.
func (d *Dispatcher) deliverDeferred(ctx context.Context, ev event.Event) {
	ctx, span := d.tracer.Start(ctx, "vmtap.deferred_delivery",
		trace.WithAttributes(attribute.String("vmtap.kind", ev.Kind.String())),
	)
	defer span.End()

	n := d.dispatch(ctx, ev, route{carrier: d.service, eff: d.service})
	span.SetAttributes(attribute.Int("vmtap.deliveries", n))
}

// reportExhaustion runs on the drain goroutine after deferred events were
// dropped.
func (d *Dispatcher) reportExhaustion(ctx context.Context) {
	d.logger.Warn("deferred event queue exhausted; events were dropped",
		zap.Uint64("dropped", d.queue.Stats().Dropped),
	)
	ev := event.New(event.ResourceExhausted, d.service.ID())
	ev.Payload.Resource = event.ResourceOOMError | event.ResourceHeap
	ev.Payload.Description = "deferred event queue exhausted"
	d.dispatch(ctx, ev, route{carrier: d.service, eff: d.service})
}

// state returns the carrier and effective thread states for thread.
func (d *Dispatcher) state(thread event.ThreadID) (carrier, eff *threadstate.State) {
	carrier = d.threads.GetOrCreate(thread)
	return carrier, d.threads.Effective(carrier)
}

// advanceTo moves the gate forward one phase at a time until it reaches p.
func (d *Dispatcher) advanceTo(p phase.Phase) error {
	for cur := d.gate.Current(); cur < p; cur = d.gate.Current() {
		if err := d.gate.Advance(cur + 1); err != nil {
			return err
		}
	}
	if cur := d.gate.Current(); cur != p {
		return &phase.ProtocolError{From: cur, To: p}
	}
	return nil
}
