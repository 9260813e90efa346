// Package mapspec models the kernel-side map handle (spec.md §6.4): the
// map kind, key/value layout, capacity, and default value that
// together describe a BPF_MAP_CREATE call and back a Map handle type.
// Grounded on original_source/_translation/datastructures.py's Map
// descriptor and nevermosby-ebpf's MapType enumeration.
package mapspec

import "github.com/mna/ebpfc/lang/types"

// Kind mirrors the kernel's bpf_map_type enum, restricted to the subset
// spec.md §3 lists for the Map handle type.
type Kind int

const (
	Hash Kind = iota
	Array
	PerfEventArray
	StackTrace
)

func (k Kind) String() string {
	switch k {
	case Hash:
		return "hash"
	case Array:
		return "array"
	case PerfEventArray:
		return "perf_event_array"
	case StackTrace:
		return "stack_trace"
	default:
		return "unknown"
	}
}

// kernelType returns the bpf_map_type numeric value the loader writes into
// the BPF_MAP_CREATE attr union, per linux/bpf.h's enum ordering.
func (k Kind) kernelType() uint32 {
	switch k {
	case Hash:
		return 1 // BPF_MAP_TYPE_HASH
	case Array:
		return 2 // BPF_MAP_TYPE_ARRAY
	case PerfEventArray:
		return 4 // BPF_MAP_TYPE_PERF_EVENT_ARRAY
	case StackTrace:
		return 7 // BPF_MAP_TYPE_STACK_TRACE
	default:
		return 0
	}
}

// Spec fully describes one map handle: enough for the loader to issue
// BPF_MAP_CREATE and for the emitter to know key/value sizes when lowering
// BinarySubscr/StoreSubscr on a Map handle var.
type Spec struct {
	Name       string
	Kind       Kind
	KeyType    *types.Type
	ValueType  *types.Type
	MaxEntries uint32
	Default    []byte // pre-encoded default value, materialized at load time
}

// KeySize and ValueSize report the byte layout the kernel map expects.
// StackTrace and PerfEventArray maps use fixed kernel-defined key/value
// shapes regardless of the declared types, matching how the original's
// datastructures.py special-cases those two kinds.
func (s *Spec) KeySize() uint32 {
	switch s.Kind {
	case StackTrace, PerfEventArray:
		return 4 // always a u32 index/CPU id
	default:
		return uint32(types.ByteSize(s.KeyType))
	}
}

func (s *Spec) ValueSize() uint32 {
	switch s.Kind {
	case PerfEventArray:
		return 4 // u32 fd slot
	case StackTrace:
		return 127 * 8 // PERF_MAX_STACK_DEPTH frames, u64 each
	default:
		return uint32(types.ByteSize(s.ValueType))
	}
}

// KernelType exposes the bpf_map_type value the loader needs.
func (s *Spec) KernelType() uint32 { return s.Kind.kernelType() }

// HandleType returns the Map handle *types.Type this Spec backs, matching
// the fields spec.md §3's Map handle variant names.
func (s *Spec) HandleType() *types.Type {
	return &types.Type{
		Kind:         types.MapHandle,
		Name:         s.Name,
		MapKeyType:   s.KeyType,
		MapValueType: s.ValueType,
		MapMaxEntry:  int(s.MaxEntries),
		MapKindOf:    mapKindOf(s.Kind),
	}
}

func mapKindOf(k Kind) types.MapKind {
	switch k {
	case Array:
		return types.MapArray
	case PerfEventArray:
		return types.MapPerfEventArray
	case StackTrace:
		return types.MapStackTrace
	default:
		return types.MapHash
	}
}
