// Package agent runs observers written in Lua.
//
// A script declares itself with a global agent table and handles events
// through global functions named after the event kind:
//
//	agent = {
//	    name = "breakpoints",
//	    capabilities = { "breakpoint_events" },
//	    events = { "breakpoint", "vm_death" },
//	}
//
//	hits = 0
//
//	function on_breakpoint(ev)
//	    hits = hits + 1
//	    vmtap.log("info", ev.method .. "@" .. ev.location)
//	end
//
// The class file load hook handler receives the class bytes as a string
// and may return replacement bytes:
//
//	function on_class_file_load_hook(ev, bytes)
//	    return nil
//	end
//
// on_native_method_bind may likewise return an address to bind instead.
//
// Scripts run in a sandbox with only the base, table, string and math
// libraries. Calls into a script are serialized.
package agent
