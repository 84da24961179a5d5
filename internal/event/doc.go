// Package event defines the closed set of instrumentation event kinds and the
// immutable values that flow through the dispatcher.
//
// Every kind has a static Descriptor that records:
//
//   - the minimum lifecycle phase in which it may be delivered
//   - whether it may be enabled per thread (ScopeThread) or only globally
//   - the capability an observer needs to receive it
//   - whether it is deduplicated per observer, thread and location
//
// Events are plain values. A poster builds one on its own stack, the
// dispatcher hands each interested observer a Context built from it, and
// nothing keeps a reference afterwards. Events routed through the deferred
// queue are copied with Clone first.
//
// Basic usage:
//
//	ev := event.New(event.Breakpoint, tid).At(method, 12)
//	d.Post(ctx, ev)
//
// Kind sets are bitmasks:
//
//	enabled := event.KindsOf(event.MethodEntry, event.MethodExit)
//	if enabled.Has(event.MethodEntry) { ... }
package event
