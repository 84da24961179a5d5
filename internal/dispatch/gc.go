package dispatch

import (
	"context"
	"sync"

	"github.com/dshills/vmtap/internal/event"
)

// PostGCStart reports the start of a collection. It runs on the collector
// and never touches mutator thread states.
func (d *Dispatcher) PostGCStart(ctx context.Context) {
	d.postGC(ctx, event.GarbageCollectionStart)
}

// PostGCFinish reports the end of a collection.
func (d *Dispatcher) PostGCFinish(ctx context.Context) {
	d.postGC(ctx, event.GarbageCollectionFinish)
}

func (d *Dispatcher) postGC(ctx context.Context, k event.Kind) {
	if !d.registry.HasObservers() {
		return
	}
	d.dispatch(ctx, event.New(k, event.NoThread), route{})
}

// GCMarker brackets a collection: GarbageCollectionStart is posted when it
// is created and GarbageCollectionFinish on the first End.
type GCMarker struct {
	d    *Dispatcher
	ctx  context.Context
	once sync.Once
}

// GCMarker posts GarbageCollectionStart and returns the marker that posts
// the matching finish:
//
//	m := d.GCMarker(ctx)
//	defer m.End()
func (d *Dispatcher) GCMarker(ctx context.Context) *GCMarker {
	d.PostGCStart(ctx)
	return &GCMarker{d: d, ctx: ctx}
}

// End posts GarbageCollectionFinish. Only the first call has an effect.
func (m *GCMarker) End() {
	m.once.Do(func() {
		m.d.PostGCFinish(m.ctx)
	})
}
