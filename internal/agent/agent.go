package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/dispatch"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/observer"
)

// Script is a loaded Lua agent.
type Script struct {
	name   string
	caps   capability.Set
	events []event.Kind

	state  *state
	logger *zap.Logger

	mu       sync.Mutex
	attached atomic.Pointer[observer.Observer]
	registry *observer.Registry

	calls  atomic.Uint64
	errors atomic.Uint64
}

// Option configures a Script.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	timeout time.Duration
}

// WithLogger sets the logger that receives the script's vmtap.log output
// and handler errors.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCallTimeout bounds each handler call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// Load reads and runs the script at path.
func Load(path string, opts ...Option) (*Script, error) {
	cfg := newOptions(opts)
	s := newState(cfg.timeout)
	if err := s.doFile(path); err != nil {
		s.close()
		return nil, fmt.Errorf("load agent %s: %w", path, err)
	}
	fallback := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return newScript(s, fallback, cfg)
}

// LoadString runs src as a script named name.
func LoadString(name, src string, opts ...Option) (*Script, error) {
	cfg := newOptions(opts)
	s := newState(cfg.timeout)
	if err := s.doString(src); err != nil {
		s.close()
		return nil, fmt.Errorf("load agent %s: %w", name, err)
	}
	return newScript(s, name, cfg)
}

func newOptions(opts []Option) options {
	cfg := options{logger: zap.NewNop(), timeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newScript(s *state, fallback string, cfg options) (*Script, error) {
	decl, ok := s.global("agent").(*lua.LTable)
	if !ok {
		s.close()
		return nil, fmt.Errorf("%w: %s: no agent table", ErrInvalidScript, fallback)
	}

	sc := &Script{name: fallback, state: s}
	if name, ok := decl.RawGetString("name").(lua.LString); ok && name != "" {
		sc.name = string(name)
	}
	sc.logger = cfg.logger.With(zap.String("agent", sc.name))

	var err error
	if sc.caps, err = parseCapabilities(decl.RawGetString("capabilities")); err != nil {
		s.close()
		return nil, fmt.Errorf("agent %s: %w", sc.name, err)
	}
	if sc.events, err = parseEvents(decl.RawGetString("events")); err != nil {
		s.close()
		return nil, fmt.Errorf("agent %s: %w", sc.name, err)
	}
	for _, k := range sc.events {
		if !s.hasFunction(handlerName(k)) {
			s.close()
			return nil, fmt.Errorf("agent %s: %w: %s", sc.name, ErrMissingHandler, handlerName(k))
		}
	}

	s.register("vmtap", map[string]lua.LGFunction{
		"log":         sc.luaLog,
		"observer_id": sc.luaObserverID,
	})
	return sc, nil
}

func parseCapabilities(v lua.LValue) (capability.Set, error) {
	var caps capability.Set
	names, err := stringList(v)
	if err != nil {
		return 0, fmt.Errorf("capabilities: %w", err)
	}
	for _, name := range names {
		c, ok := capability.Parse(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
		}
		caps = caps.With(c)
	}
	return caps, nil
}

func parseEvents(v lua.LValue) ([]event.Kind, error) {
	names, err := stringList(v)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	var kinds []event.Kind
	var seen event.KindSet
	for _, name := range names {
		k, ok := event.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
		}
		if !seen.Has(k) {
			seen = seen.With(k)
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

func stringList(v lua.LValue) ([]string, error) {
	if v == lua.LNil {
		return nil, nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list, got %s", ErrInvalidScript, v.Type())
	}
	var out []string
	for i := 1; i <= t.Len(); i++ {
		s, ok := t.RawGetInt(i).(lua.LString)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is not a string", ErrInvalidScript, i)
		}
		out = append(out, string(s))
	}
	return out, nil
}

func handlerName(k event.Kind) string {
	return "on_" + k.String()
}

// Name returns the agent name.
func (sc *Script) Name() string {
	return sc.name
}

// Capabilities returns the capabilities the script declared.
func (sc *Script) Capabilities() capability.Set {
	return sc.caps
}

// Events returns the event kinds the script handles.
func (sc *Script) Events() []event.Kind {
	return append([]event.Kind(nil), sc.events...)
}

// Observer returns the attached observer, or nil.
func (sc *Script) Observer() *observer.Observer {
	return sc.attached.Load()
}

// Global returns the value of a script global.
func (sc *Script) Global(name string) lua.LValue {
	return sc.state.global(name)
}

// Calls returns the number of handler calls made.
func (sc *Script) Calls() uint64 {
	return sc.calls.Load()
}

// Errors returns the number of handler calls that failed.
func (sc *Script) Errors() uint64 {
	return sc.errors.Load()
}

// Attach registers the script as an observer with d's registry, installs
// its handlers and enables its events globally.
func (sc *Script) Attach(d *dispatch.Dispatcher) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.attached.Load() != nil {
		return ErrAlreadyAttached
	}
	if sc.state.isClosed() {
		return ErrStateClosed
	}

	reg := d.Registry()
	o, err := reg.Register(sc.name, sc.caps)
	if err != nil {
		return err
	}

	for _, k := range sc.events {
		if err := sc.install(o, k); err != nil {
			_ = reg.Dispose(o)
			return fmt.Errorf("agent %s: %w", sc.name, err)
		}
		if err := reg.SetEnabled(o, k, nil, true); err != nil {
			_ = reg.Dispose(o)
			return fmt.Errorf("agent %s: %w", sc.name, err)
		}
	}

	o.OnReclaim(sc.state.close)
	sc.attached.Store(o)
	sc.registry = reg
	sc.logger.Info("agent attached",
		zap.String("observer", o.ID()),
		zap.Stringer("capabilities", sc.caps),
		zap.Int("events", len(sc.events)),
	)
	return nil
}

func (sc *Script) install(o *observer.Observer, k event.Kind) error {
	fn := handlerName(k)
	switch k {
	case event.ClassFileLoadHook:
		return o.SetClassFileLoadHook(func(ctx context.Context, ec event.Context, data []byte) []byte {
			ret, ok := sc.invoke(ctx, fn, ec, lua.LString(data))
			if !ok {
				return nil
			}
			if s, isString := ret.(lua.LString); isString {
				return []byte(s)
			}
			return nil
		})
	case event.NativeMethodBind:
		return o.SetNativeBindHook(func(ctx context.Context, ec event.Context, addr uintptr) uintptr {
			ret, ok := sc.invoke(ctx, fn, ec)
			if !ok {
				return 0
			}
			if n, isNumber := ret.(lua.LNumber); isNumber && n > 0 {
				return uintptr(n)
			}
			return 0
		})
	default:
		return o.SetCallback(k, func(ctx context.Context, ec event.Context) {
			sc.invoke(ctx, fn, ec)
		})
	}
}

// invoke calls handler fn. Handler errors are logged and counted; they
// never reach the dispatcher.
func (sc *Script) invoke(ctx context.Context, fn string, ec event.Context, extra ...lua.LValue) (lua.LValue, bool) {
	sc.calls.Add(1)
	ret, err := sc.state.call(ctx, fn, func(L *lua.LState) []lua.LValue {
		return append([]lua.LValue{contextTable(L, ec)}, extra...)
	})
	if err != nil {
		sc.errors.Add(1)
		sc.logger.Warn("agent handler failed",
			zap.String("handler", fn),
			zap.Stringer("kind", ec.Kind()),
			zap.Error(err),
		)
		return lua.LNil, false
	}
	return ret, true
}

// Detach disposes the observer. The Lua state is closed once no dispatch
// can still call into it.
func (sc *Script) Detach() error {
	sc.mu.Lock()
	o, reg := sc.attached.Swap(nil), sc.registry
	sc.registry = nil
	sc.mu.Unlock()

	if o == nil {
		return ErrNotAttached
	}
	if err := reg.Dispose(o); err != nil {
		return err
	}
	sc.logger.Info("agent detached", zap.String("observer", o.ID()))
	return nil
}

// Close releases a script that was never attached. Attached scripts are
// released by Detach.
func (sc *Script) Close() {
	if sc.Observer() == nil {
		sc.state.close()
	}
}

// Closed reports whether the Lua state has been released.
func (sc *Script) Closed() bool {
	return sc.state.isClosed()
}

func (sc *Script) luaLog(L *lua.LState) int {
	level := strings.ToLower(L.CheckString(1))
	msg := L.OptString(2, "")
	if L.GetTop() == 1 {
		level, msg = "info", L.CheckString(1)
	}
	switch level {
	case "debug":
		sc.logger.Debug(msg)
	case "warn":
		sc.logger.Warn(msg)
	case "error":
		sc.logger.Error(msg)
	default:
		sc.logger.Info(msg)
	}
	return 0
}

func (sc *Script) luaObserverID(L *lua.LState) int {
	if o := sc.attached.Load(); o != nil {
		L.Push(lua.LString(o.ID()))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}
