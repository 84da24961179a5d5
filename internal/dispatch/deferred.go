package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/event"
)

// DeliverFunc delivers one deferred event.
type DeliverFunc func(ctx context.Context, ev event.Event)

// DeferredQueue is an unbounded FIFO of owned event copies drained by a
// single goroutine. Enqueue never blocks and never calls back into the
// dispatcher, so it is safe from contexts that hold locks.
type DeferredQueue struct {
	deliver     DeliverFunc
	onExhausted func(ctx context.Context)
	logger      *zap.Logger
	maxPending  int

	mu        sync.Mutex
	head      *deferredNode
	tail      *deferredNode
	pending   int
	enqSeq    uint64
	doneSeq   uint64
	progress  chan struct{}
	exhausted bool
	done      chan struct{}

	running atomic.Bool
	wake    chan struct{}
	stop    chan struct{}

	// Stats
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

type deferredNode struct {
	ev   event.Event
	next *deferredNode
}

// QueueOption configures a DeferredQueue.
type QueueOption func(*DeferredQueue)

// WithQueueLogger sets the queue logger.
func WithQueueLogger(l *zap.Logger) QueueOption {
	return func(q *DeferredQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQueueLimit caps the number of pending events. Zero means unbounded.
func WithQueueLimit(n int) QueueOption {
	return func(q *DeferredQueue) {
		if n >= 0 {
			q.maxPending = n
		}
	}
}

// WithExhaustionHandler sets the function the drain goroutine calls after
// events were dropped for lack of room.
func WithExhaustionHandler(fn func(ctx context.Context)) QueueOption {
	return func(q *DeferredQueue) {
		q.onExhausted = fn
	}
}

// NewDeferredQueue creates a stopped queue that hands events to deliver.
func NewDeferredQueue(deliver DeliverFunc, opts ...QueueOption) *DeferredQueue {
	q := &DeferredQueue{
		deliver:  deliver,
		logger:   zap.NewNop(),
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the drain goroutine.
func (q *DeferredQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running.Load() {
		return ErrAlreadyRunning
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	q.running.Store(true)

	go q.run(ctx, q.stop, q.done)
	return nil
}

// Stop rejects further events, waits for everything already queued to be
// delivered and stops the drain goroutine.
func (q *DeferredQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running.Load() {
		q.mu.Unlock()
		return ErrQueueNotRunning
	}
	q.running.Store(false)
	stop, done := q.stop, q.done
	q.mu.Unlock()

	if err := q.flush(ctx, done); err != nil {
		return err
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue appends an owned copy of ev. It fails only if the queue is not
// running or the pending limit has been reached; in the latter case the
// drain goroutine is told to report resource exhaustion.
func (q *DeferredQueue) Enqueue(ev event.Event) error {
	q.mu.Lock()
	if !q.running.Load() {
		q.mu.Unlock()
		q.dropped.Add(1)
		return ErrQueueNotRunning
	}
	if q.maxPending > 0 && q.pending >= q.maxPending {
		q.exhausted = true
		q.mu.Unlock()
		q.dropped.Add(1)
		q.signal()
		return ErrResourceExhausted
	}
	n := &deferredNode{ev: ev.Clone()}
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n
	q.pending++
	q.enqSeq++
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.signal()
	return nil
}

// Flush waits until every event enqueued before the call has been
// delivered. It must not be called from the drain goroutine.
func (q *DeferredQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if done == nil {
		return ErrQueueNotRunning
	}
	return q.flush(ctx, done)
}

func (q *DeferredQueue) flush(ctx context.Context, done <-chan struct{}) error {
	q.mu.Lock()
	target := q.enqSeq
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.doneSeq >= target {
			q.mu.Unlock()
			return nil
		}
		progress := q.progress
		q.mu.Unlock()

		select {
		case <-progress:
		case <-done:
			return ErrQueueNotRunning
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *DeferredQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *DeferredQueue) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		q.mu.Lock()
		n := q.head
		if n != nil {
			q.head = n.next
			if q.head == nil {
				q.tail = nil
			}
			q.pending--
		}
		exhausted := q.exhausted
		q.exhausted = false
		q.mu.Unlock()

		if exhausted && q.onExhausted != nil {
			q.execute(func() { q.onExhausted(ctx) })
		}

		if n != nil {
			ev := n.ev
			q.execute(func() { q.deliver(ctx, ev) })
			q.delivered.Add(1)

			q.mu.Lock()
			q.doneSeq++
			close(q.progress)
			q.progress = make(chan struct{})
			q.mu.Unlock()
			continue
		}

		select {
		case <-q.wake:
		case <-stop:
			return
		}
	}
}

// execute runs fn, recovering a panic so later events still drain.
func (q *DeferredQueue) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.panicked.Add(1)
			q.logger.Error("deferred event callback panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}

// Pending returns the number of queued events.
func (q *DeferredQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// IsRunning reports whether the drain goroutine accepts events.
func (q *DeferredQueue) IsRunning() bool {
	return q.running.Load()
}

// QueueStats contains statistics for a deferred queue.
type QueueStats struct {
	// Enqueued is the number of events accepted.
	Enqueued uint64

	// Delivered is the number of events handed to the dispatcher.
	Delivered uint64

	// Dropped is the number of events rejected by Enqueue.
	Dropped uint64

	// Panicked is the number of recovered callback panics.
	Panicked uint64

	// Pending is the current queue length.
	Pending int
}

// Stats returns queue statistics.
func (q *DeferredQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Dropped:   q.dropped.Load(),
		Panicked:  q.panicked.Load(),
		Pending:   q.Pending(),
	}
}
