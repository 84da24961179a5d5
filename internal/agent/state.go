package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds a single handler call.
const DefaultCallTimeout = 2 * time.Second

// state wraps a sandboxed gopher-lua state. LState is not goroutine-safe;
// every access goes through mu.
type state struct {
	L *lua.LState

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

func newState(timeout time.Duration) *state {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	return &state{L: L, timeout: timeout}
}

// openSafeLibraries opens the libraries scripts may use. io, os, debug and
// package are left out.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (s *state) doString(src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return s.withRecovery(func() error { return s.L.DoString(src) })
}

func (s *state) doFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return s.withRecovery(func() error { return s.L.DoFile(path) })
}

func (s *state) withRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// call invokes the global function fn with args built by the caller while
// the lock is held, and returns its first result.
func (s *state) call(ctx context.Context, fn string, args func(L *lua.LState) []lua.LValue) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lua.LNil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return lua.LNil, fmt.Errorf("%w: %s", ErrMissingHandler, fn)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	var argv []lua.LValue
	if args != nil {
		argv = args(s.L)
	}

	top := s.L.GetTop()
	err := s.withRecovery(func() error {
		return s.L.CallByParam(lua.P{Fn: fnVal, NRet: 1, Protect: true}, argv...)
	})
	if err != nil {
		s.L.SetTop(top)
		return lua.LNil, err
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)
	return ret, nil
}

func (s *state) global(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

func (s *state) hasFunction(name string) bool {
	return s.global(name).Type() == lua.LTFunction
}

func (s *state) register(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.L.SetGlobal(name, s.L.SetFuncs(s.L.NewTable(), funcs))
}

func (s *state) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.L.Close()
	s.closed = true
}

func (s *state) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
