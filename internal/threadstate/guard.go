package threadstate

// ModeGuard restores a thread's execution mode when released. Use it with
// defer so the mode is restored on every exit path, including panics:
//
//	g := ts.EnterCallback()
//	defer g.Restore()
type ModeGuard struct {
	s    *State
	prev Mode
	hide bool
	done bool
}

// Transition switches the thread to mode m until the guard is restored.
// A nil state yields a no-op guard.
func (s *State) Transition(m Mode) ModeGuard {
	if s == nil {
		return ModeGuard{done: true}
	}
	return ModeGuard{s: s, prev: s.SetMode(m)}
}

// EnterCallback switches the thread to ModeObserverCallback and hides
// events raised on it until the guard is restored.
func (s *State) EnterCallback() ModeGuard {
	g := s.Transition(ModeObserverCallback)
	if s != nil {
		s.HideEvents()
		g.hide = true
	}
	return g
}

// Restore reverts the transition. Only the first call has an effect.
func (g *ModeGuard) Restore() {
	if g.done {
		return
	}
	g.done = true
	if g.hide {
		g.s.ExposeEvents()
	}
	g.s.SetMode(g.prev)
}

// Previous returns the mode that Restore returns to.
func (g *ModeGuard) Previous() Mode {
	return g.prev
}
