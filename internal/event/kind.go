package event

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/dshills/vmtap/internal/capability"
	"github.com/dshills/vmtap/internal/phase"
)

// Kind identifies an instrumentation event type.
type Kind uint8

const (
	VMInit Kind = iota
	VMDeath
	VMStart
	ThreadStart
	ThreadEnd
	ClassFileLoadHook
	ClassLoad
	ClassPrepare
	ClassUnload
	VMObjectAlloc
	SampledObjectAlloc
	ObjectFree
	MethodEntry
	MethodExit
	FramePop
	SingleStep
	Breakpoint
	FieldAccess
	FieldModification
	Exception
	ExceptionCatch
	NativeMethodBind
	CompiledMethodLoad
	CompiledMethodUnload
	DynamicCodeGenerated
	DataDumpRequest
	MonitorContendedEnter
	MonitorContendedEntered
	MonitorWait
	MonitorWaited
	ResourceExhausted
	GarbageCollectionStart
	GarbageCollectionFinish
	VirtualThreadStart
	VirtualThreadEnd
	VirtualThreadMount
	VirtualThreadUnmount

	// KindCount is the number of defined kinds.
	KindCount = int(VirtualThreadUnmount) + 1
)

// Scope says how the dispatcher resolves targets for a kind.
type Scope uint8

const (
	// ScopeGlobal kinds are only enabled process-wide.
	ScopeGlobal Scope = iota

	// ScopeThread kinds may also be enabled for individual threads.
	ScopeThread
)

// String returns the scope name.
func (s Scope) String() string {
	if s == ScopeThread {
		return "thread"
	}
	return "global"
}

// Descriptor is the static description of a kind.
type Descriptor struct {
	Kind Kind
	Name string

	// MinPhase is the earliest phase in which the kind is delivered.
	MinPhase phase.Phase

	Scope Scope

	// Requires is the capability an observer must hold to receive the kind.
	Requires capability.Capability

	// Dedupe kinds are delivered at most once per observer, thread and
	// location.
	Dedupe bool

	// EarlyRequires is set for kinds with an early variant. Observers holding
	// it receive the kind before MinPhase is reached.
	EarlyRequires capability.Capability
}

// HasEarlyVariant reports whether the kind can be delivered before MinPhase.
func (d Descriptor) HasEarlyVariant() bool {
	return d.EarlyRequires != capability.None
}

var descriptors = [KindCount]Descriptor{
	VMInit:                  {Name: "vm_init", MinPhase: phase.Live},
	VMDeath:                 {Name: "vm_death", MinPhase: phase.Live},
	VMStart:                 {Name: "vm_start", MinPhase: phase.Start, EarlyRequires: capability.CanGenerateEarlyVMStart},
	ThreadStart:             {Name: "thread_start", MinPhase: phase.Start},
	ThreadEnd:               {Name: "thread_end", MinPhase: phase.Start, Scope: ScopeThread},
	ClassFileLoadHook:       {Name: "class_file_load_hook", MinPhase: phase.Start, EarlyRequires: capability.CanGenerateEarlyClassHookEvents},
	ClassLoad:               {Name: "class_load", MinPhase: phase.Start, Scope: ScopeThread},
	ClassPrepare:            {Name: "class_prepare", MinPhase: phase.Start, Scope: ScopeThread},
	ClassUnload:             {Name: "class_unload", MinPhase: phase.Start},
	VMObjectAlloc:           {Name: "vm_object_alloc", MinPhase: phase.Start, Requires: capability.CanGenerateVMObjectAllocEvents},
	SampledObjectAlloc:      {Name: "sampled_object_alloc", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateSampledObjectAllocEvents},
	ObjectFree:              {Name: "object_free", MinPhase: phase.Live, Requires: capability.CanGenerateObjectFreeEvents},
	MethodEntry:             {Name: "method_entry", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateMethodEntryEvents},
	MethodExit:              {Name: "method_exit", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateMethodExitEvents},
	FramePop:                {Name: "frame_pop", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateFramePopEvents},
	SingleStep:              {Name: "single_step", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateSingleStepEvents, Dedupe: true},
	Breakpoint:              {Name: "breakpoint", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateBreakpointEvents, Dedupe: true},
	FieldAccess:             {Name: "field_access", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateFieldAccessEvents},
	FieldModification:       {Name: "field_modification", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateFieldModificationEvents},
	Exception:               {Name: "exception", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateExceptionEvents},
	ExceptionCatch:          {Name: "exception_catch", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateExceptionEvents},
	NativeMethodBind:        {Name: "native_method_bind", MinPhase: phase.Start, Requires: capability.CanGenerateNativeMethodBindEvents},
	CompiledMethodLoad:      {Name: "compiled_method_load", MinPhase: phase.Live, Requires: capability.CanGenerateCompiledMethodLoadEvents},
	CompiledMethodUnload:    {Name: "compiled_method_unload", MinPhase: phase.Live, Requires: capability.CanGenerateCompiledMethodLoadEvents},
	DynamicCodeGenerated:    {Name: "dynamic_code_generated", MinPhase: phase.Start},
	DataDumpRequest:         {Name: "data_dump_request", MinPhase: phase.Live},
	MonitorContendedEnter:   {Name: "monitor_contended_enter", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateMonitorEvents},
	MonitorContendedEntered: {Name: "monitor_contended_entered", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateMonitorEvents},
	MonitorWait:             {Name: "monitor_wait", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateMonitorEvents},
	MonitorWaited:           {Name: "monitor_waited", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanGenerateMonitorEvents},
	ResourceExhausted:       {Name: "resource_exhausted", MinPhase: phase.Start},
	GarbageCollectionStart:  {Name: "garbage_collection_start", MinPhase: phase.Live, Requires: capability.CanGenerateGarbageCollectionEvents},
	GarbageCollectionFinish: {Name: "garbage_collection_finish", MinPhase: phase.Live, Requires: capability.CanGenerateGarbageCollectionEvents},
	VirtualThreadStart:      {Name: "virtual_thread_start", MinPhase: phase.Live, Requires: capability.CanSupportVirtualThreads},
	VirtualThreadEnd:        {Name: "virtual_thread_end", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanSupportVirtualThreads},
	VirtualThreadMount:      {Name: "virtual_thread_mount", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanSupportVirtualThreads},
	VirtualThreadUnmount:    {Name: "virtual_thread_unmount", MinPhase: phase.Live, Scope: ScopeThread, Requires: capability.CanSupportVirtualThreads},
}

func init() {
	for i := range descriptors {
		descriptors[i].Kind = Kind(i)
	}
}

// Valid reports whether k is a defined kind.
func (k Kind) Valid() bool {
	return int(k) < KindCount
}

// Descriptor returns the static description of k. It panics for undefined
// kinds; a malformed kind indicates corrupted dispatcher state.
func (k Kind) Descriptor() Descriptor {
	if !k.Valid() {
		panic(fmt.Sprintf("event: undefined kind %d", uint8(k)))
	}
	return descriptors[k]
}

// String returns the snake_case kind name.
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return descriptors[k].Name
}

// ParseKind looks a kind up by its snake_case name.
func ParseKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := range descriptors {
		if descriptors[i].Name == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, KindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// KindSet is a bitmask of kinds.
type KindSet uint64

// KindsOf builds a set from kinds.
func KindsOf(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

// Has reports whether k is in the set.
func (s KindSet) Has(k Kind) bool {
	return s&(1<<k) != 0
}

// With returns the set plus k.
func (s KindSet) With(k Kind) KindSet {
	return s | 1<<k
}

// Without returns the set minus k.
func (s KindSet) Without(k Kind) KindSet {
	return s &^ (1 << k)
}

// Len returns the number of kinds in the set.
func (s KindSet) Len() int {
	return bits.OnesCount64(uint64(s))
}

// List returns the kinds in the set in declaration order.
func (s KindSet) List() []Kind {
	out := make([]Kind, 0, s.Len())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, Kind(bits.TrailingZeros64(v)))
	}
	return out
}

// String returns the kind names joined by commas.
func (s KindSet) String() string {
	list := s.List()
	names := make([]string, len(list))
	for i, k := range list {
		names[i] = k.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}
