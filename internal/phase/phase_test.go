package phase

import (
	"errors"
	"sync"
	"testing"
)

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{Primordial, "primordial"},
		{Start, "start"},
		{OnLoad, "onload"},
		{Live, "live"},
		{Dead, "dead"},
		{Phase(42), "phase(42)"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.expected {
			t.Errorf("Phase(%d).String() = %q, expected %q", tt.phase, got, tt.expected)
		}
	}
}

func TestGate_ZeroValueIsPrimordial(t *testing.T) {
	var g Gate
	if g.Current() != Primordial {
		t.Errorf("expected primordial, got %s", g.Current())
	}
	if !g.IsEarly() {
		t.Error("expected zero gate to be early")
	}
}

func TestGate_AdvanceInOrder(t *testing.T) {
	g := NewGate()
	for _, p := range []Phase{Start, OnLoad, Live, Dead} {
		if err := g.Advance(p); err != nil {
			t.Fatalf("Advance(%s) failed: %v", p, err)
		}
		if g.Current() != p {
			t.Fatalf("expected %s, got %s", p, g.Current())
		}
	}
}

func TestGate_AdvanceSamePhaseIsNoop(t *testing.T) {
	g := NewGate()
	g.MustAdvance(Start)

	calls := 0
	g.OnAdvance(func(from, to Phase) { calls++ })

	if err := g.Advance(Start); err != nil {
		t.Fatalf("re-entering current phase failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("hook should not run for a no-op advance, ran %d times", calls)
	}
}

func TestGate_RejectsSkipAndRegression(t *testing.T) {
	tests := []struct {
		name  string
		setup []Phase
		to    Phase
	}{
		{"skip", nil, OnLoad},
		{"skip to dead", []Phase{Start}, Dead},
		{"regression", []Phase{Start, OnLoad}, Start},
		{"invalid", nil, Phase(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate()
			for _, p := range tt.setup {
				g.MustAdvance(p)
			}
			before := g.Current()

			err := g.Advance(tt.to)
			if !errors.Is(err, ErrFatalProtocol) {
				t.Fatalf("expected ErrFatalProtocol, got %v", err)
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ProtocolError, got %T", err)
			}
			if perr.From != before || perr.To != tt.to {
				t.Errorf("unexpected error fields: %+v", perr)
			}
			if g.Current() != before {
				t.Errorf("gate moved on failed advance: %s", g.Current())
			}
		})
	}
}

func TestGate_MustAdvancePanics(t *testing.T) {
	g := NewGate()
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic")
		}
	}()
	g.MustAdvance(Live)
}

func TestGate_OnAdvanceHooks(t *testing.T) {
	g := NewGate()

	var seen [][2]Phase
	g.OnAdvance(func(from, to Phase) {
		seen = append(seen, [2]Phase{from, to})
	})
	g.OnAdvance(nil)

	g.MustAdvance(Start)
	g.MustAdvance(OnLoad)

	if len(seen) != 2 {
		t.Fatalf("expected 2 hook calls, got %d", len(seen))
	}
	if seen[0] != [2]Phase{Primordial, Start} || seen[1] != [2]Phase{Start, OnLoad} {
		t.Errorf("unexpected transitions: %v", seen)
	}
}

func TestGate_ConcurrentAdvanceIsMonotonic(t *testing.T) {
	g := NewGate()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Current() == Primordial {
				if err := g.Advance(Start); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if g.Current() != Start {
		t.Errorf("expected start, got %s", g.Current())
	}
	if successes == 0 {
		t.Error("expected at least one successful advance")
	}
}

func TestGate_EarlyStart(t *testing.T) {
	g := NewGate()
	if g.EarlyStartRecorded() {
		t.Error("early start should not be recorded initially")
	}
	g.RecordEarlyStart()
	if !g.EarlyStartRecorded() {
		t.Error("expected early start to be recorded")
	}
}
