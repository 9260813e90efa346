// Package ctxtypes defines the fixed context aggregates the kernel hands
// to each BPF program type on entry (spec.md §6.3): the socket-filter
// sk_buff view and the kprobe register snapshot. Both are ordinary
// Aggregate types so the rest of the pipeline treats "ctx" like any other
// ArgVar, just with a schema matching a real kernel ABI instead of one the
// program author wrote.
//
// Grounded on original_source/socket_filter.py's SkBuffContext and
// original_source/kprobe.py's PtRegsContext ctypes.Structure definitions.
package ctxtypes

import "github.com/mna/ebpfc/lang/types"

func field(name string, off int, w types.ScalarWidth) types.Field {
	return types.Field{Name: name, Type: types.ScalarType(w), Offset: off}
}

// SkBuff is the socket-filter context, one word per field except the
// 5-word cb scratch array, laid out in the exact kernel sk_buff order
// SkBuffContext's _fields_ list gives. data/data_end carry a
// dest_type_overrides promotion to Quad: the kernel stores them as
// pointers packed into what the structure declares as c_uint32, so a read
// must widen to 64 bits (spec.md §4.5, §6.3).
var SkBuff = buildSkBuff()

func buildSkBuff() *types.Type {
	word := types.Word
	fields := []types.Field{
		field("len", 0, word),
		field("pkt_type", 4, word),
		field("mark", 8, word),
		field("queue_mapping", 12, word),
		field("protocol", 16, word),
		field("vlan_present", 20, word),
		field("vlan_tci", 24, word),
		field("vlan_proto", 28, word),
		field("priority", 32, word),
		field("ingress_ifindex", 36, word),
		field("ifindex", 40, word),
		field("tc_index", 44, word),
		{Name: "cb", Type: types.ArrayOf(types.ScalarType(word), 5), Offset: 48},
		field("hash", 68, word),
		field("tc_classid", 72, word),
		field("data", 76, word),
		field("data_end", 80, word),
	}
	fields[len(fields)-2].OverrideType = types.ScalarType(types.Quad)
	fields[len(fields)-1].OverrideType = types.ScalarType(types.Quad)
	return &types.Type{
		Kind: types.Aggregate, Name: "sk_buff", Fields: fields, Size: 84,
	}
}

// PtRegs is the kprobe register snapshot, x86-64 pt_regs layout, one
// 8-byte register per field in the exact push order PtRegsContext
// declares — callee-saved registers first, then syscall argument
// registers, then the exception frame.
var PtRegs = buildPtRegs()

func buildPtRegs() *types.Type {
	names := []string{
		"r15", "r14", "r13", "r12", "rbp", "rbx",
		"r11", "r10", "r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
		"rip", "cs", "eflags", "rsp", "ss",
	}
	fields := make([]types.Field, len(names))
	for i, name := range names {
		fields[i] = field(name, i*8, types.Quad)
	}
	return &types.Type{
		Kind: types.Aggregate, Name: "pt_regs", Fields: fields, Size: len(names) * 8,
	}
}

// ProgType identifies which kernel attach point a compiled program targets
// (spec.md §4.10); the loader uses it to select the BPF_PROG_TYPE_* value
// and the context schema used to type-check the function's sole argument.
type ProgType int

const (
	SocketFilter ProgType = iota
	Kprobe
)

// Context returns the Aggregate type the kernel passes as ctx for pt.
func (pt ProgType) Context() *types.Type {
	switch pt {
	case Kprobe:
		return PtRegs
	default:
		return SkBuff
	}
}

// KernelProgType returns the bpf_prog_type numeric value, per linux/bpf.h.
func (pt ProgType) KernelProgType() uint32 {
	switch pt {
	case Kprobe:
		return 2 // BPF_PROG_TYPE_KPROBE
	default:
		return 1 // BPF_PROG_TYPE_SOCKET_FILTER
	}
}
