package agent

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/vmtap/internal/event"
)

// contextTable converts a delivery into the table handlers receive. Only
// fields that are set for the event's kind are populated.
func contextTable(L *lua.LState, ec event.Context) *lua.LTable {
	t := L.NewTable()
	ev := ec.Event
	p := ev.Payload

	t.RawSetString("kind", lua.LString(ec.Kind().String()))
	t.RawSetString("observer", lua.LString(ec.Observer))
	t.RawSetString("thread", lua.LNumber(ec.Thread))
	t.RawSetString("carrier", lua.LNumber(ec.Carrier))
	t.RawSetString("virtual", lua.LBool(ec.Virtual()))
	t.RawSetString("phase", lua.LString(ec.Phase.String()))
	t.RawSetString("seq", lua.LNumber(ec.Seq))

	if !ev.Method.IsZero() {
		t.RawSetString("method", lua.LString(ev.Method.String()))
		t.RawSetString("method_name", lua.LString(ev.Method.Name))
	}
	if ev.Class != "" {
		t.RawSetString("class", lua.LString(ev.Class))
	}
	if ev.Location != event.NoLocation {
		t.RawSetString("location", lua.LNumber(ev.Location))
	}

	switch ec.Kind() {
	case event.Exception, event.ExceptionCatch:
		t.RawSetString("exception", lua.LNumber(p.Exception))
		if !p.CatchMethod.IsZero() {
			t.RawSetString("catch_method", lua.LString(p.CatchMethod.String()))
			t.RawSetString("catch_location", lua.LNumber(p.CatchLocation))
		}
	case event.FieldAccess, event.FieldModification:
		t.RawSetString("field", lua.LString(p.Field.Class+"."+p.Field.Name))
		t.RawSetString("object", lua.LNumber(p.Object))
		if ec.Kind() == event.FieldModification {
			t.RawSetString("value", toLua(p.NewValue))
			t.RawSetString("value_type", lua.LString(string(p.ValueType)))
		}
	case event.MonitorContendedEnter, event.MonitorContendedEntered, event.MonitorWait, event.MonitorWaited:
		t.RawSetString("monitor", lua.LNumber(p.Monitor))
		if ec.Kind() == event.MonitorWait {
			t.RawSetString("timeout_ms", lua.LNumber(p.Timeout.Milliseconds()))
		}
		if ec.Kind() == event.MonitorWaited {
			t.RawSetString("timed_out", lua.LBool(p.TimedOut))
		}
	case event.CompiledMethodLoad, event.CompiledMethodUnload, event.DynamicCodeGenerated:
		t.RawSetString("code_name", lua.LString(p.Code.Name))
		t.RawSetString("address", lua.LNumber(p.Code.Address))
		t.RawSetString("size", lua.LNumber(p.Code.Size))
	case event.VMObjectAlloc, event.SampledObjectAlloc:
		t.RawSetString("object", lua.LNumber(p.Alloc.Object))
		t.RawSetString("size", lua.LNumber(p.Alloc.Size))
	case event.ObjectFree:
		t.RawSetString("tag", lua.LNumber(p.Tag))
	case event.ResourceExhausted:
		t.RawSetString("resource", lua.LString(p.Resource.String()))
		t.RawSetString("description", lua.LString(p.Description))
	case event.NativeMethodBind:
		t.RawSetString("address", lua.LNumber(p.NativeAddress))
	case event.MethodExit, event.FramePop:
		t.RawSetString("exception_exit", lua.LBool(p.ExceptionExit))
		if ec.Kind() == event.MethodExit && !p.ExceptionExit {
			t.RawSetString("return_value", toLua(p.ReturnValue))
		}
	case event.VirtualThreadStart, event.VirtualThreadEnd, event.VirtualThreadMount, event.VirtualThreadUnmount:
		t.RawSetString("vthread", lua.LNumber(p.VirtualThread))
	case event.ClassFileLoadHook:
		t.RawSetString("loader", lua.LNumber(p.Loader))
		t.RawSetString("redefining", lua.LBool(p.Redefining))
	}
	return t
}

// toLua converts the scalar values carried in payloads. Anything else is
// passed as its printed form.
func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case event.ObjectRef:
		return lua.LNumber(x)
	default:
		return lua.LString(fmt.Sprint(x))
	}
}
