// Package helpers is the registry of kernel helper calls and pseudo
// intrinsics a compiled program may invoke (spec.md §6.2), grounded
// directly on funcs.py's PseudoFunc/Func tables: numeric ids fixed by the
// kernel ABI, declared arity, and which argument (if any) needs a
// synthesized byte-size immediate argument.
package helpers

import "github.com/mna/ebpfc/lang/types"

// Func describes one callable the template emitter knows how to lower.
// Real helpers emit a BPF_CALL instruction with their numeric ID; pseudo
// intrinsics are always expanded inline and never reach the assembler as a
// call.
type Func struct {
	Name   string
	Pseudo bool
	ID     int // numeric kernel helper id; 0 for pseudo intrinsics
	Arity  int

	// FillSizeArg, if >= 0, names the argument index whose referent's byte
	// size the compiler must synthesize as an extra trailing immediate
	// argument (funcs.py's fill_array_size_args convention).
	FillSizeArg int

	// Return is the type a CallFunction to this helper produces. Pseudo
	// intrinsics that don't produce a value (memcpy, packet_copy) leave
	// this nil; map subscripting bypasses this table entirely since its
	// return type depends on the map's declared value type.
	Return *types.Type
}

var word = types.ScalarType(types.Word)
var quad = types.ScalarType(types.Quad)

// registry is keyed by the callable's source-level name, the same name
// lang/fold's pinGlobals binds as a FuncConst.
var registry = map[string]Func{
	"map_lookup_elem":      {Name: "map_lookup_elem", ID: 1, Arity: 2, FillSizeArg: -1},
	"map_update_elem":      {Name: "map_update_elem", ID: 2, Arity: 4, FillSizeArg: -1, Return: word},
	"map_delete_elem":      {Name: "map_delete_elem", ID: 3, Arity: 2, FillSizeArg: -1, Return: word},
	"probe_read":           {Name: "probe_read", ID: 4, Arity: 3, FillSizeArg: 0, Return: word},
	"ktime_get_ns":         {Name: "ktime_get_ns", ID: 5, Arity: 0, FillSizeArg: -1, Return: quad},
	"trace_printk":         {Name: "trace_printk", ID: 6, Arity: 2, FillSizeArg: 0, Return: word},
	"get_smp_processor_id": {Name: "get_smp_processor_id", ID: 8, Arity: 0, FillSizeArg: -1, Return: word},
	"get_current_pid_tgid": {Name: "get_current_pid_tgid", ID: 14, Arity: 0, FillSizeArg: -1, Return: quad},
	"get_current_uid_gid":  {Name: "get_current_uid_gid", ID: 15, Arity: 0, FillSizeArg: -1, Return: quad},
	"get_current_comm":     {Name: "get_current_comm", ID: 16, Arity: 1, FillSizeArg: 0, Return: word},
	"perf_event_output":    {Name: "perf_event_output", ID: 25, Arity: 4, FillSizeArg: 3, Return: word},
	"skb_load_bytes":       {Name: "skb_load_bytes", ID: 26, Arity: 4, FillSizeArg: -1, Return: word},
	"get_stackid":          {Name: "get_stackid", ID: 27, Arity: 3, FillSizeArg: -1, Return: word},

	"addrof":         {Name: "addrof", Pseudo: true, Arity: 1, FillSizeArg: -1},
	"memcpy":         {Name: "memcpy", Pseudo: true, Arity: 3, FillSizeArg: -1},
	"ptr":            {Name: "ptr", Pseudo: true, Arity: 1, FillSizeArg: -1},
	"deref":          {Name: "deref", Pseudo: true, Arity: 1, FillSizeArg: -1},
	"packet_copy":    {Name: "packet_copy", Pseudo: true, Arity: 3, FillSizeArg: -1},
	"load_skb_byte":  {Name: "load_skb_byte", Pseudo: true, Arity: 1, FillSizeArg: -1, Return: types.ScalarType(types.Byte)},
	"load_skb_short": {Name: "load_skb_short", Pseudo: true, Arity: 1, FillSizeArg: -1, Return: types.ScalarType(types.Half)},
	"load_skb_word":  {Name: "load_skb_word", Pseudo: true, Arity: 1, FillSizeArg: -1, Return: word},
	"mem_eq":         {Name: "mem_eq", Pseudo: true, Arity: 2, FillSizeArg: -1, Return: word},
}

// Lookup returns the Func named name, if it's a recognized helper or
// pseudo intrinsic.
func Lookup(name string) (Func, bool) {
	f, ok := registry[name]
	return f, ok
}

// MustLookup returns the Func named name, for the small set of call sites
// (the map_* helpers the subscript templates inline directly) that only
// ever name a helper this registry's own literal guarantees exists; it
// panics if name isn't registered, which would mean the registry itself
// was edited incompatibly, never a user-program error.
func MustLookup(name string) Func {
	f, ok := registry[name]
	if !ok {
		panic("helpers: no such helper " + name)
	}
	return f
}

// IsHelper reports whether name is any recognized callable (real or
// pseudo).
func IsHelper(name string) bool {
	_, ok := registry[name]
	return ok
}
