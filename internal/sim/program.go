package sim

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dshills/vmtap/internal/event"
)

// OpKind identifies a simulated bytecode-level action.
type OpKind uint8

const (
	// OpCall pushes a frame for Method.
	OpCall OpKind = iota

	// OpReturn pops the top frame, returning Value.
	OpReturn

	// OpStep executes the instruction at Loc in the top frame.
	OpStep

	// OpBreakpoint hits a breakpoint at Loc in the top frame.
	OpBreakpoint

	// OpThrow throws at Loc. Unwind frames are popped before the handler;
	// an Unwind at or beyond the stack depth leaves the exception uncaught.
	OpThrow

	// OpFieldAccess reads Field.
	OpFieldAccess

	// OpFieldModify writes Value to Field.
	OpFieldModify

	// OpAlloc allocates an instance of Class.
	OpAlloc

	// OpMonitor contends for Monitor and waits on it for Timeout.
	OpMonitor

	// OpYield suspends the continuation holding the top Frames frames.
	OpYield

	// OpLoadClass loads Class.
	OpLoadClass

	// OpNativeBind links the native implementation of Method.
	OpNativeBind
)

var opNames = [...]string{
	OpCall:        "call",
	OpReturn:      "return",
	OpStep:        "step",
	OpBreakpoint:  "breakpoint",
	OpThrow:       "throw",
	OpFieldAccess: "field_access",
	OpFieldModify: "field_modify",
	OpAlloc:       "alloc",
	OpMonitor:     "monitor",
	OpYield:       "yield",
	OpLoadClass:   "load_class",
	OpNativeBind:  "native_bind",
}

// String returns the op name.
func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// needsFrame reports whether the op executes inside a method.
func (k OpKind) needsFrame() bool {
	switch k {
	case OpReturn, OpStep, OpBreakpoint, OpThrow, OpFieldAccess, OpFieldModify, OpYield:
		return true
	}
	return false
}

// Op is one step of a Program. Only the fields its kind uses are set.
type Op struct {
	Kind    OpKind
	Method  event.MethodRef
	Loc     event.Location
	Unwind  int
	Frames  int
	Field   event.FieldRef
	Value   any
	Class   string
	Size    int64
	Monitor event.ObjectRef
	Timeout time.Duration
}

// Program is the op sequence a simulated thread executes.
type Program []Op

// Validate checks that every op that needs a frame has one and that the
// stack never underflows.
func (p Program) Validate() error {
	depth := 0
	for i, op := range p {
		if op.Kind.needsFrame() && depth == 0 {
			return fmt.Errorf("%w: op %d (%s) outside any frame", ErrInvalidProgram, i, op.Kind)
		}
		switch op.Kind {
		case OpCall:
			if op.Method.IsZero() {
				return fmt.Errorf("%w: op %d calls an unnamed method", ErrInvalidProgram, i)
			}
			depth++
		case OpReturn:
			depth--
		case OpThrow:
			if op.Unwind < 0 {
				return fmt.Errorf("%w: op %d unwinds %d frames", ErrInvalidProgram, i, op.Unwind)
			}
			if op.Unwind >= depth {
				depth = 0
			} else {
				depth -= op.Unwind
			}
		default:
			if op.Kind > OpNativeBind {
				return fmt.Errorf("%w: op %d has unknown kind %d", ErrInvalidProgram, i, op.Kind)
			}
		}
	}
	return nil
}

// Counts returns how many ops of each kind p contains.
func (p Program) Counts() map[OpKind]int {
	out := make(map[OpKind]int)
	for _, op := range p {
		out[op.Kind]++
	}
	return out
}

// Workload is the method and class universe random programs draw from.
type Workload struct {
	Methods []event.MethodRef
	Natives []event.MethodRef
	Fields  []event.FieldRef
	Classes []string
}

// DefaultWorkload returns a small application-shaped workload.
func DefaultWorkload() Workload {
	return Workload{
		Methods: []event.MethodRef{
			{Class: "app/Main", Name: "main", Signature: "([Ljava/lang/String;)V"},
			{Class: "app/Service", Name: "handle", Signature: "(Lapp/Request;)Lapp/Response;"},
			{Class: "app/Service", Name: "validate", Signature: "(Lapp/Request;)Z"},
			{Class: "app/Repo", Name: "find", Signature: "(J)Lapp/Entity;"},
			{Class: "app/Codec", Name: "encode", Signature: "(Lapp/Entity;)[B"},
		},
		Natives: []event.MethodRef{
			{Class: "java/lang/System", Name: "nanoTime", Signature: "()J"},
			{Class: "app/Native", Name: "checksum", Signature: "([B)I"},
		},
		Fields: []event.FieldRef{
			{Class: "app/Service", Name: "requests", Type: "J"},
			{Class: "app/Repo", Name: "cache", Type: "Ljava/util/Map;"},
		},
		Classes: []string{"app/Request", "app/Response", "app/Entity", "app/Codec$Buffer"},
	}
}

// Random builds a program of about n ops from w. The program always ends
// with the stack empty.
func Random(r *rand.Rand, w Workload, n int) Program {
	var (
		p     Program
		depth int
		loc   event.Location
	)
	pick := func(ms []event.MethodRef) event.MethodRef { return ms[r.IntN(len(ms))] }

	for len(p) < n {
		if depth == 0 {
			p = append(p, Op{Kind: OpCall, Method: pick(w.Methods)})
			depth, loc = 1, 0
			continue
		}
		loc += event.Location(1 + r.IntN(3))

		switch roll := r.IntN(100); {
		case roll < 22 && depth < 16:
			p = append(p, Op{Kind: OpCall, Method: pick(w.Methods)})
			depth++
			loc = 0
		case roll < 40:
			p = append(p, Op{Kind: OpReturn, Value: int64(r.IntN(1000))})
			depth--
		case roll < 52:
			p = append(p, Op{Kind: OpStep, Loc: loc})
		case roll < 60:
			p = append(p, Op{Kind: OpBreakpoint, Loc: loc})
		case roll < 65:
			unwind := r.IntN(depth)
			p = append(p, Op{Kind: OpThrow, Loc: loc, Unwind: unwind})
			depth -= unwind
		case roll < 70 && len(w.Fields) > 0:
			p = append(p, Op{Kind: OpFieldAccess, Loc: loc, Field: w.Fields[r.IntN(len(w.Fields))]})
		case roll < 75 && len(w.Fields) > 0:
			p = append(p, Op{Kind: OpFieldModify, Loc: loc, Field: w.Fields[r.IntN(len(w.Fields))], Value: int64(r.IntN(100))})
		case roll < 84 && len(w.Classes) > 0:
			p = append(p, Op{Kind: OpAlloc, Class: w.Classes[r.IntN(len(w.Classes))], Size: int64(16 + 8*r.IntN(8))})
		case roll < 89:
			var timeout time.Duration
			if r.IntN(2) == 0 {
				timeout = time.Duration(1+r.IntN(10)) * time.Millisecond
			}
			p = append(p, Op{Kind: OpMonitor, Monitor: event.ObjectRef(1 + r.IntN(4)), Timeout: timeout})
		case roll < 92:
			p = append(p, Op{Kind: OpYield, Frames: 1 + r.IntN(depth)})
		case roll < 96 && len(w.Classes) > 0:
			p = append(p, Op{Kind: OpLoadClass, Class: w.Classes[r.IntN(len(w.Classes))]})
		case len(w.Natives) > 0:
			p = append(p, Op{Kind: OpNativeBind, Method: pick(w.Natives)})
		default:
			p = append(p, Op{Kind: OpStep, Loc: loc})
		}
	}
	for ; depth > 0; depth-- {
		p = append(p, Op{Kind: OpReturn})
	}
	return p
}
