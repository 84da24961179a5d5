package threadstate

// SetFramePop requests a frame pop notification for the frame at depth.
func (m *Manager) SetFramePop(os *ObserverState, depth int) {
	m.framePopMu.Lock()
	defer m.framePopMu.Unlock()
	if os.framePops == nil {
		os.framePops = make(map[int]struct{})
	}
	os.framePops[depth] = struct{}{}
}

// IsFramePop reports whether a request exists for depth.
func (m *Manager) IsFramePop(os *ObserverState, depth int) bool {
	m.framePopMu.Lock()
	defer m.framePopMu.Unlock()
	_, ok := os.framePops[depth]
	return ok
}

// HasFramePops reports whether any request is pending.
func (m *Manager) HasFramePops(os *ObserverState) bool {
	m.framePopMu.Lock()
	defer m.framePopMu.Unlock()
	return len(os.framePops) > 0
}

// ClearFramePop removes the request for depth. It re-checks under the lock
// and reports whether the request was still present; an administrative
// clear may have removed it first.
func (m *Manager) ClearFramePop(os *ObserverState, depth int) bool {
	m.framePopMu.Lock()
	defer m.framePopMu.Unlock()
	if _, ok := os.framePops[depth]; !ok {
		return false
	}
	delete(os.framePops, depth)
	return true
}

// ClearFramePopRange removes requests for depths in (lo, hi] and returns
// how many were removed.
func (m *Manager) ClearFramePopRange(os *ObserverState, lo, hi int) int {
	m.framePopMu.Lock()
	defer m.framePopMu.Unlock()
	n := 0
	for d := range os.framePops {
		if d > lo && d <= hi {
			delete(os.framePops, d)
			n++
		}
	}
	return n
}

// ClearFramePops removes every request and returns how many there were.
func (m *Manager) ClearFramePops(os *ObserverState) int {
	m.framePopMu.Lock()
	defer m.framePopMu.Unlock()
	n := len(os.framePops)
	os.framePops = nil
	return n
}

// FramePopDepths returns the pending request depths in no particular order.
func (m *Manager) FramePopDepths(os *ObserverState) []int {
	m.framePopMu.Lock()
	defer m.framePopMu.Unlock()
	out := make([]int, 0, len(os.framePops))
	for d := range os.framePops {
		out = append(out, d)
	}
	return out
}
