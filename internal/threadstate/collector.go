package threadstate

import "github.com/dshills/vmtap/internal/event"

// Category selects which collector slot of a thread a collector uses.
type Category int

const (
	// CategoryVMObjectAlloc collects runtime-internal allocations. Nests,
	// unless the enclosing collector is disabled.
	CategoryVMObjectAlloc Category = iota

	// CategorySampledAlloc collects sampled allocations. Never nests.
	CategorySampledAlloc

	// CategoryDynamicCode collects generated code stubs. Always nests.
	CategoryDynamicCode

	categoryCount
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryVMObjectAlloc:
		return "vm_object_alloc"
	case CategorySampledAlloc:
		return "sampled_alloc"
	case CategoryDynamicCode:
		return "dynamic_code"
	default:
		return "unknown"
	}
}

// FlushFunc delivers the events a collector recorded.
type FlushFunc func(events []event.Event)

// Collector batches events raised inside a dynamic scope on one thread and
// replays them when the scope ends. Collectors are thread-owned and must be
// ended with defer on the goroutine that began them.
type Collector struct {
	state    *State
	category Category
	prev     *Collector
	enabled  bool
	attached bool
	ended    bool
	events   []event.Event
	flush    FlushFunc
}

// BeginCollector starts a collector of category cat on s. active says
// whether anyone currently wants the collected kind; an inactive collector
// records nothing. A collector that may not nest under the current one is
// returned disabled and is not installed.
func BeginCollector(s *State, cat Category, active bool, flush FlushFunc) *Collector {
	c := &Collector{state: s, category: cat, flush: flush}
	if !active || s == nil {
		return c
	}

	prev := s.collectors[cat]
	switch cat {
	case CategoryVMObjectAlloc:
		// An allocation made while delivering allocation events must not
		// be collected again.
		if prev != nil && !prev.enabled {
			return c
		}
	case CategorySampledAlloc:
		if prev != nil {
			return c
		}
	}

	c.prev = prev
	c.enabled = true
	c.attached = true
	s.collectors[cat] = c
	return c
}

// Category returns the collector's category.
func (c *Collector) Category() Category {
	return c.category
}

// IsEnabled reports whether the collector records events.
func (c *Collector) IsEnabled() bool {
	return c.enabled
}

// Len returns the number of recorded events.
func (c *Collector) Len() int {
	return len(c.events)
}

// Record stores ev for replay. It reports false if the collector is
// disabled.
func (c *Collector) Record(ev event.Event) bool {
	if !c.enabled {
		return false
	}
	c.events = append(c.events, ev.Clone())
	return true
}

// End replays the recorded events in record order and restores the
// previous collector. Only the first call has an effect.
func (c *Collector) End() {
	if c.ended {
		return
	}
	c.ended = true

	if c.enabled {
		c.enabled = false
		events := c.events
		c.events = nil
		if c.flush != nil && len(events) > 0 {
			// Restore even if a callback panics during replay.
			defer c.detach()
			c.flush(events)
			return
		}
	}
	c.detach()
}

func (c *Collector) detach() {
	if !c.attached {
		return
	}
	c.attached = false
	if c.state.collectors[c.category] == c {
		c.state.collectors[c.category] = c.prev
	}
}

// Collector returns the current collector for cat, or nil.
func (s *State) Collector(cat Category) *Collector {
	return s.collectors[cat]
}

// RecordInCollector records ev in the current enabled collector for cat.
// It reports false if there is none.
func (s *State) RecordInCollector(cat Category, ev event.Event) bool {
	c := s.collectors[cat]
	if c == nil {
		return false
	}
	return c.Record(ev)
}

// SuppressAllocRecording disables the current runtime allocation collector
// until the returned function is called. Allocations the runtime makes on
// its own behalf while it runs are not reported.
func SuppressAllocRecording(s *State) (restore func()) {
	if s == nil {
		return func() {}
	}
	c := s.collectors[CategoryVMObjectAlloc]
	if c == nil || !c.enabled {
		return func() {}
	}
	c.enabled = false
	return func() {
		if !c.ended {
			c.enabled = true
		}
	}
}
