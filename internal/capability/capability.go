// Package capability defines the fixed capability set an observer requests
// when it registers.
package capability

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// Capability is a single capability bit.
type Capability uint64

// Set is a set of capabilities.
type Set uint64

const (
	CanGenerateBreakpointEvents Capability = 1 << iota
	CanGenerateSingleStepEvents
	CanGenerateFieldAccessEvents
	CanGenerateFieldModificationEvents
	CanGenerateExceptionEvents
	CanGenerateMethodEntryEvents
	CanGenerateMethodExitEvents
	CanGenerateFramePopEvents
	CanGenerateMonitorEvents
	CanGenerateVMObjectAllocEvents
	CanGenerateSampledObjectAllocEvents
	CanGenerateObjectFreeEvents
	CanGenerateGarbageCollectionEvents
	CanGenerateCompiledMethodLoadEvents
	CanGenerateNativeMethodBindEvents
	CanGenerateAllClassHookEvents
	CanGenerateEarlyClassHookEvents
	CanGenerateEarlyVMStart
	CanSupportVirtualThreads
	CanRedefineClasses
	CanRetransformClasses
	CanRetransformAnyClass
	CanRedefineInPlace

	// None is the empty requirement.
	None Capability = 0
)

var names = map[Capability]string{
	CanGenerateBreakpointEvents:         "can_generate_breakpoint_events",
	CanGenerateSingleStepEvents:         "can_generate_single_step_events",
	CanGenerateFieldAccessEvents:        "can_generate_field_access_events",
	CanGenerateFieldModificationEvents:  "can_generate_field_modification_events",
	CanGenerateExceptionEvents:          "can_generate_exception_events",
	CanGenerateMethodEntryEvents:        "can_generate_method_entry_events",
	CanGenerateMethodExitEvents:         "can_generate_method_exit_events",
	CanGenerateFramePopEvents:           "can_generate_frame_pop_events",
	CanGenerateMonitorEvents:            "can_generate_monitor_events",
	CanGenerateVMObjectAllocEvents:      "can_generate_vm_object_alloc_events",
	CanGenerateSampledObjectAllocEvents: "can_generate_sampled_object_alloc_events",
	CanGenerateObjectFreeEvents:         "can_generate_object_free_events",
	CanGenerateGarbageCollectionEvents:  "can_generate_garbage_collection_events",
	CanGenerateCompiledMethodLoadEvents: "can_generate_compiled_method_load_events",
	CanGenerateNativeMethodBindEvents:   "can_generate_native_method_bind_events",
	CanGenerateAllClassHookEvents:       "can_generate_all_class_hook_events",
	CanGenerateEarlyClassHookEvents:     "can_generate_early_class_hook_events",
	CanGenerateEarlyVMStart:             "can_generate_early_vmstart",
	CanSupportVirtualThreads:            "can_support_virtual_threads",
	CanRedefineClasses:                  "can_redefine_classes",
	CanRetransformClasses:               "can_retransform_classes",
	CanRetransformAnyClass:              "can_retransform_any_class",
	CanRedefineInPlace:                  "can_redefine_in_place",
}

// String returns the capability name.
func (c Capability) String() string {
	if c == None {
		return "none"
	}
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("capability(%#x)", uint64(c))
}

// Parse returns the capability with the given name. Both the full name and
// the name without the "can_" / "can_generate_" prefix are accepted.
func Parse(name string) (Capability, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range names {
		if n == name ||
			strings.TrimPrefix(n, "can_generate_") == name ||
			strings.TrimPrefix(n, "can_") == name {
			return c, true
		}
	}
	return None, false
}

// Of builds a set from individual capabilities.
func Of(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s |= Set(c)
	}
	return s
}

// Has reports whether every bit of c is in the set.
func (s Set) Has(c Capability) bool {
	return Set(c)&s == Set(c)
}

// With returns the set plus c.
func (s Set) With(c Capability) Set {
	return s | Set(c)
}

// Without returns the set minus c.
func (s Set) Without(c Capability) Set {
	return s &^ Set(c)
}

// Len returns the number of capabilities in the set.
func (s Set) Len() int {
	return bits.OnesCount64(uint64(s))
}

// List returns the capabilities in bit order.
func (s Set) List() []Capability {
	out := make([]Capability, 0, s.Len())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, Capability(v&-v))
	}
	return out
}

// String returns the capability names joined by commas.
func (s Set) String() string {
	if s == 0 {
		return "{}"
	}
	list := s.List()
	parts := make([]string, len(list))
	for i, c := range list {
		parts[i] = c.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ErrCapabilityConflict is returned when a requested set cannot be granted.
var ErrCapabilityConflict = errors.New("capability conflict")

// ConflictError names the capabilities that cannot be combined.
type ConflictError struct {
	A, B Capability

	// Missing is set when A requires B rather than excludes it.
	Missing bool
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Missing {
		return fmt.Sprintf("capability %s requires %s", e.A, e.B)
	}
	return fmt.Sprintf("capabilities %s and %s are mutually exclusive", e.A, e.B)
}

// Is matches ErrCapabilityConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrCapabilityConflict
}

// exclusive lists pairs that cannot be held together. Retransformation needs
// the original class bytes cached; in-place redefinition discards them.
var exclusive = [][2]Capability{
	{CanRetransformClasses, CanRedefineInPlace},
}

// requires maps a capability to one it depends on.
var requires = map[Capability]Capability{
	CanRetransformAnyClass:          CanRetransformClasses,
	CanGenerateEarlyClassHookEvents: CanGenerateAllClassHookEvents,
}

// Validate checks the set for mutually exclusive or unmet capabilities.
func (s Set) Validate() error {
	for _, pair := range exclusive {
		if s.Has(pair[0]) && s.Has(pair[1]) {
			return &ConflictError{A: pair[0], B: pair[1]}
		}
	}
	for _, c := range s.List() {
		if dep, ok := requires[c]; ok && !s.Has(dep) {
			return &ConflictError{A: c, B: dep, Missing: true}
		}
	}
	return nil
}
