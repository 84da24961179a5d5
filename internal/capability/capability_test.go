package capability

import (
	"errors"
	"testing"
)

func TestSet_HasWithWithout(t *testing.T) {
	s := Of(CanGenerateBreakpointEvents, CanGenerateSingleStepEvents)

	if !s.Has(CanGenerateBreakpointEvents) {
		t.Error("expected breakpoint capability")
	}
	if s.Has(CanGenerateFieldAccessEvents) {
		t.Error("unexpected field access capability")
	}
	if !s.Has(None) {
		t.Error("every set has the empty requirement")
	}

	s = s.With(CanGenerateFieldAccessEvents).Without(CanGenerateSingleStepEvents)
	if !s.Has(CanGenerateFieldAccessEvents) || s.Has(CanGenerateSingleStepEvents) {
		t.Errorf("unexpected set %s", s)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 capabilities, got %d", s.Len())
	}
}

func TestSet_String(t *testing.T) {
	if got := Set(0).String(); got != "{}" {
		t.Errorf("empty set = %q", got)
	}
	got := Of(CanGenerateBreakpointEvents, CanGenerateSingleStepEvents).String()
	want := "{can_generate_breakpoint_events,can_generate_single_step_events}"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Capability
		ok   bool
	}{
		{"can_generate_breakpoint_events", CanGenerateBreakpointEvents, true},
		{"breakpoint_events", CanGenerateBreakpointEvents, true},
		{"support_virtual_threads", CanSupportVirtualThreads, true},
		{" RETRANSFORM_CLASSES ", CanRetransformClasses, true},
		{"fly", None, false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Parse(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     Set
		wantErr bool
		missing bool
	}{
		{"empty", 0, false, false},
		{"retransform", Of(CanRetransformClasses, CanRetransformAnyClass), false, false},
		{"exclusive redefinition modes", Of(CanRetransformClasses, CanRedefineInPlace), true, false},
		{"retransform any without retransform", Of(CanRetransformAnyClass), true, true},
		{"early hook without all hooks", Of(CanGenerateEarlyClassHookEvents), true, true},
		{"early hook", Of(CanGenerateEarlyClassHookEvents, CanGenerateAllClassHookEvents), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrCapabilityConflict) {
				t.Errorf("expected ErrCapabilityConflict, got %v", err)
			}
			var cerr *ConflictError
			if !errors.As(err, &cerr) || cerr.Missing != tt.missing {
				t.Errorf("unexpected conflict error %#v", err)
			}
		})
	}
}
