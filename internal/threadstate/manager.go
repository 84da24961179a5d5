package threadstate

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
)

// Manager owns the instrumentation state of every known thread.
type Manager struct {
	registry *observer.Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	states map[event.ThreadID]*State

	// framePopMu guards every ObserverState's frame pop requests. It is the
	// lock administrative threads take to clear requests of a suspended
	// thread, so owners re-check after acquiring it.
	framePopMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager bound to registry. Per-thread entries of
// disposed observers are dropped automatically.
func NewManager(registry *observer.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		logger:   zap.NewNop(),
		states:   make(map[event.ThreadID]*State),
	}
	for _, opt := range opts {
		opt(m)
	}
	if registry != nil {
		registry.OnDispose(m.dropObserver)
	}
	return m
}

// Get returns the state for id, or nil.
func (m *Manager) Get(id event.ThreadID) *State {
	if id == event.NoThread {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[id]
}

// GetOrCreate returns the state for id, creating a platform thread state if
// none exists. NoThread yields nil.
func (m *Manager) GetOrCreate(id event.ThreadID) *State {
	return m.attach(id, "", false)
}

// Attach returns the state for id, creating it with the given name and
// kind if none exists.
func (m *Manager) Attach(id event.ThreadID, name string, virtual bool) *State {
	return m.attach(id, name, virtual)
}

func (m *Manager) attach(id event.ThreadID, name string, virtual bool) *State {
	if id == event.NoThread {
		return nil
	}
	if s := m.Get(id); s != nil {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return s
	}
	s := newState(m, id, name, virtual)
	m.states[id] = s
	m.logger.Debug("thread state created",
		zap.Int64("thread", int64(id)),
		zap.String("name", name),
		zap.Bool("virtual", virtual),
	)
	return s
}

// Remove destroys the state for id and releases its thread-scoped
// enablement.
func (m *Manager) Remove(id event.ThreadID) {
	m.mu.Lock()
	s, ok := m.states[id]
	delete(m.states, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	released := s.release()
	if m.registry != nil {
		m.registry.ThreadReleased(released)
	}
	m.logger.Debug("thread state removed", zap.Int64("thread", int64(id)))
}

// Effective returns the state events on carrier are attributed to: the
// mounted virtual thread's state while one is mounted, otherwise carrier.
func (m *Manager) Effective(carrier *State) *State {
	if carrier == nil {
		return nil
	}
	if v := carrier.MountedThread(); v != event.NoThread {
		if vs := m.Get(v); vs != nil {
			return vs
		}
	}
	return carrier
}

// Len returns the number of thread states.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// States returns all thread states ordered by ID.
func (m *Manager) States() []*State {
	m.mu.RLock()
	out := make([]*State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) dropObserver(o *observer.Observer) {
	for _, s := range m.States() {
		s.dropObserver(o)
	}
}
