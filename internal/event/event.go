package event

import (
	"fmt"
	"time"
)

// ThreadID identifies an execution thread. NoThread is used for events
// raised outside any mutator, such as collector notifications.
type ThreadID int64

// NoThread is the zero thread reference.
const NoThread ThreadID = 0

// ObjectRef is an opaque managed object reference.
type ObjectRef uint64

// Location is a bytecode index within a method. NoLocation marks native or
// unknown positions.
type Location int64

// NoLocation is the location of frames without bytecode.
const NoLocation Location = -1

// MethodRef names a method.
type MethodRef struct {
	Class     string
	Name      string
	Signature string
}

// IsZero reports whether m is unset.
func (m MethodRef) IsZero() bool {
	return m == MethodRef{}
}

// String returns Class.Name+Signature.
func (m MethodRef) String() string {
	if m.IsZero() {
		return ""
	}
	return m.Class + "." + m.Name + m.Signature
}

// FieldRef names a field.
type FieldRef struct {
	Class string
	Name  string
	Type  string
}

// CodeRange describes a region of generated code.
type CodeRange struct {
	Name    string
	Address uintptr
	Size    int
}

// Allocation describes an allocated object.
type Allocation struct {
	Object ObjectRef
	Class  string
	Size   int64
}

// ResourceFlags describes which resource ran out.
type ResourceFlags uint8

const (
	ResourceOOMError ResourceFlags = 1 << iota
	ResourceHeap
	ResourceThreads
)

// String lists the set flags.
func (f ResourceFlags) String() string {
	var s string
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f&ResourceOOMError != 0 {
		add("oom_error")
	}
	if f&ResourceHeap != 0 {
		add("heap")
	}
	if f&ResourceThreads != 0 {
		add("threads")
	}
	if s == "" {
		return "none"
	}
	return s
}

// Payload carries the kind-specific data of an event. Only the fields
// relevant to the event's kind are set.
type Payload struct {
	// Exception and ExceptionCatch.
	Exception     ObjectRef
	CatchMethod   MethodRef
	CatchLocation Location

	// FieldAccess and FieldModification.
	Field     FieldRef
	Object    ObjectRef
	NewValue  any
	ValueType byte

	// Monitor events.
	Monitor  ObjectRef
	Timeout  time.Duration
	TimedOut bool

	// Compiled and dynamic code.
	Code        CodeRange
	CompileInfo []byte

	// VMObjectAlloc and SampledObjectAlloc.
	Alloc Allocation

	// ObjectFree.
	Tag int64

	// ResourceExhausted.
	Resource    ResourceFlags
	Description string

	// NativeMethodBind.
	NativeAddress uintptr

	// MethodExit and FramePop.
	ReturnValue   any
	ExceptionExit bool

	// Virtual thread lifecycle.
	VirtualThread ThreadID

	// ClassFileLoadHook.
	Loader           ObjectRef
	ProtectionDomain ObjectRef
	Redefining       bool
}

// Event is an immutable notification descriptor. Events are passed by value
// and never retained past dispatch except through Clone.
type Event struct {
	Kind     Kind
	Thread   ThreadID
	Method   MethodRef
	Class    string
	Location Location

	// Observer restricts delivery to a single observer when set. Object
	// free and frame pop notifications are addressed this way.
	Observer string

	Payload Payload
}

// New returns an event of kind k raised on thread t.
func New(k Kind, t ThreadID) Event {
	return Event{Kind: k, Thread: t, Location: NoLocation}
}

// At returns a copy of e positioned at method m, location loc.
func (e Event) At(m MethodRef, loc Location) Event {
	e.Method = m
	e.Location = loc
	if e.Class == "" {
		e.Class = m.Class
	}
	return e
}

// To returns a copy of e addressed to a single observer.
func (e Event) To(observerID string) Event {
	e.Observer = observerID
	return e
}

// Clone returns a copy of e that owns all of its variable-length data.
func (e Event) Clone() Event {
	if e.Payload.CompileInfo != nil {
		e.Payload.CompileInfo = append([]byte(nil), e.Payload.CompileInfo...)
	}
	return e
}

// String returns a short description for logs.
func (e Event) String() string {
	s := fmt.Sprintf("%s thread=%d", e.Kind, e.Thread)
	if !e.Method.IsZero() {
		s += fmt.Sprintf(" method=%s@%d", e.Method, e.Location)
	} else if e.Class != "" {
		s += " class=" + e.Class
	}
	return s
}
