package srcbc

import "fmt"

// ConstKind identifies the host-side representation of a literal constant
// as it appears in a bytecode's constant pool, before the folder/memory
// placer narrow it to a fixed-width eBPF type.
type ConstKind uint8

const (
	IntConst ConstKind = iota
	StringConst
	BoolConst
	// ByteArrayConst is what a StringConst becomes after the folder's
	// "reinterpret string literals" sub-pass (spec.md §4.4.3): a
	// NUL-terminated byte array, since the kernel side has no string type.
	ByteArrayConst
	// FuncConst names a callable bound as a global (a kernel helper or
	// pseudo-intrinsic); it never participates in arithmetic folding.
	FuncConst
	// MapConst names a map handle bound as a global; Str holds the map's
	// declared name, resolved against the program's map registry by the type
	// inferencer and emitter (spec.md §6.4). Like FuncConst, it never
	// participates in arithmetic folding.
	MapConst
)

// Const is a host-resident literal value, as decoded from a bytecode's
// constant pool (CallFunction's constant return value from the propagator
// uses the same representation).
type Const struct {
	Kind  ConstKind
	Int   int64
	Str   string
	Bool  bool
	Bytes []byte
}

func IntC(v int64) Const     { return Const{Kind: IntConst, Int: v} }
func StringC(v string) Const { return Const{Kind: StringConst, Str: v} }
func BoolC(v bool) Const     { return Const{Kind: BoolConst, Bool: v} }

// FuncC names a helper or pseudo-intrinsic bound as a global.
func FuncC(name string) Const { return Const{Kind: FuncConst, Str: name} }

// MapC names a map handle bound as a global.
func MapC(name string) Const { return Const{Kind: MapConst, Str: name} }

// ByteArrayC builds a NUL-terminated byte array constant from a string's
// bytes, matching the folder's string-reinterpretation rule.
func ByteArrayC(s string) Const {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return Const{Kind: ByteArrayConst, Bytes: b}
}

func (c Const) String() string {
	switch c.Kind {
	case IntConst:
		return fmt.Sprintf("%d", c.Int)
	case StringConst:
		return fmt.Sprintf("%q", c.Str)
	case BoolConst:
		return fmt.Sprintf("%t", c.Bool)
	case ByteArrayConst:
		return fmt.Sprintf("%q (byte array, len %d)", c.Bytes, len(c.Bytes))
	case FuncConst:
		return fmt.Sprintf("func(%s)", c.Str)
	case MapConst:
		return fmt.Sprintf("map(%s)", c.Str)
	default:
		return "<bad const>"
	}
}
