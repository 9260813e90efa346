// Package types defines the compiler's closed type system (spec.md §3):
// every variable a program manipulates is one of a small, fixed set of
// type variants, enough to describe a C-style packed layout and nothing
// more. There is no user-extensible value system here — unlike a general
// dynamic-language runtime, the compiler closes the set on purpose so that
// every later pass can switch over Kind exhaustively.
package types

import "fmt"

// Kind identifies which of the closed set of type variants a Type is.
type Kind int

const (
	_ Kind = iota
	Scalar
	Aggregate
	Array
	Pointer
	MapHandle
)

// ScalarWidth is one of the four fixed-width integer sizes the emitter
// knows how to move, load and store. Signedness is immaterial for
// emission, per spec.md §3.
type ScalarWidth int

const (
	Byte ScalarWidth = 1
	Half ScalarWidth = 2
	Word ScalarWidth = 4
	Quad ScalarWidth = 8
)

func (w ScalarWidth) String() string {
	switch w {
	case Byte:
		return "byte"
	case Half:
		return "short"
	case Word:
		return "word"
	case Quad:
		return "quad"
	default:
		return fmt.Sprintf("width(%d)", int(w))
	}
}

// PointeeKind distinguishes the three pointer variants spec.md §3 names:
// pointers to aggregates, to arrays, and to file-descriptor datastructures
// (maps) are kept distinct so the emitter can choose the right addressing
// template for each.
type PointeeKind int

const (
	PointeeAggregate PointeeKind = iota
	PointeeArray
	PointeeFD
)

// Field is one entry of an Aggregate's ordered field list.
type Field struct {
	Name   string
	Type   *Type
	Offset int

	// OverrideType, if non-nil, force-promotes this field to a wider
	// primitive on load, matching the dest_type_overrides mechanism
	// socket-buffer contexts need for their data/data_end fields (spec.md
	// §4.5, §6.3).
	OverrideType *Type
}

// MapKind enumerates the map container kinds the BPF side recognizes
// (spec.md §6.4).
type MapKind int

const (
	MapHash MapKind = iota
	MapArray
	MapPerfEventArray
	MapStackTrace
)

func (k MapKind) String() string {
	switch k {
	case MapHash:
		return "hash"
	case MapArray:
		return "array"
	case MapPerfEventArray:
		return "perf_event_array"
	case MapStackTrace:
		return "stack_trace"
	default:
		return "map(?)"
	}
}

// Type is a single instance of the closed type system. Exactly one of the
// kind-specific fields is meaningful, selected by Kind.
type Type struct {
	Kind Kind

	// Scalar
	Width ScalarWidth

	// Aggregate
	Name   string
	Fields []Field
	Size   int

	// Array
	Elem   *Type
	Length int

	// Pointer
	Pointee     *Type
	PointeeKind PointeeKind

	// MapHandle
	MapKeyType   *Type
	MapValueType *Type
	MapMaxEntry  int
	MapDefault   any // constant value, interpreted by lang/mapspec
	MapKindOf    MapKind
}

func ScalarType(w ScalarWidth) *Type { return &Type{Kind: Scalar, Width: w} }

func PointerTo(pointee *Type, pk PointeeKind) *Type {
	return &Type{Kind: Pointer, Pointee: pointee, PointeeKind: pk}
}

func ArrayOf(elem *Type, length int) *Type {
	return &Type{Kind: Array, Elem: elem, Length: length}
}

// Widen returns the pointer-wrapped form of t if t is an Aggregate or
// Array, else t unchanged. Every load of an aggregate or array local
// widens to a pointer to it (spec.md §4.5's load-fast/store-fast rule).
func Widen(t *Type) *Type {
	switch t.Kind {
	case Aggregate:
		return PointerTo(t, PointeeAggregate)
	case Array:
		return PointerTo(t, PointeeArray)
	default:
		return t
	}
}

// Equal reports whether a and b describe the same type. Aggregates compare
// by identity of their defining *Type, map handles by their map name, and
// everything else compares structurally.
func Equal(a, b *Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Scalar:
		return a.Width == b.Width
	case Pointer:
		return a.PointeeKind == b.PointeeKind && Equal(a.Pointee, b.Pointee)
	case Array:
		return a.Length == b.Length && Equal(a.Elem, b.Elem)
	case Aggregate:
		return false // distinct schemas are distinct types even if shaped alike
	case MapHandle:
		return a.Name != "" && a.Name == b.Name
	default:
		return false
	}
}

// ByteSize returns the in-memory size of t, used by the memory placer's
// bump allocator.
func ByteSize(t *Type) int {
	switch t.Kind {
	case Scalar:
		return int(t.Width)
	case Aggregate:
		return t.Size
	case Array:
		return t.Length * ByteSize(t.Elem)
	case Pointer, MapHandle:
		return 8
	default:
		return 8
	}
}

// Alignment returns the natural alignment of t for the bump allocator.
func Alignment(t *Type) int {
	switch t.Kind {
	case Scalar:
		return int(t.Width)
	case Pointer, MapHandle:
		return 8
	case Array:
		return Alignment(t.Elem)
	case Aggregate:
		best := 1
		for _, f := range t.Fields {
			if a := Alignment(f.Type); a > best {
				best = a
			}
		}
		return best
	default:
		return 8
	}
}

func (t *Type) String() string {
	if t == nil {
		return "<untyped>"
	}
	switch t.Kind {
	case Scalar:
		return t.Width.String()
	case Aggregate:
		return "aggregate " + t.Name
	case Array:
		return fmt.Sprintf("[%d]%s", t.Length, t.Elem)
	case Pointer:
		return "*" + t.Pointee.String()
	case MapHandle:
		return fmt.Sprintf("map(%s, %s -> %s)", t.MapKindOf, t.MapKeyType, t.MapValueType)
	default:
		return "<bad type>"
	}
}

// FieldByName looks up a field on an Aggregate type.
func (t *Type) FieldByName(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
