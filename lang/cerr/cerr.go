// Package cerr defines the compiler's error taxonomy. Every pass that
// detects a fault reports it as one of the typed Errors below rather than a
// bare fmt.Errorf, so that callers can switch on Kind without string
// matching, and so that a pass can collect every fault it finds before
// returning instead of failing on the first one.
package cerr

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies which of the fixed set of translation faults an Error
// represents.
type Kind int

const (
	_ Kind = iota
	// UnsupportedOpcode: bytecode contains an op outside the allowed set.
	UnsupportedOpcode
	// TypeConflict: a variable is written with an incompatible type.
	TypeConflict
	// BackwardJump: a jump target precedes its source.
	BackwardJump
	// NonConstantRequired: memcpy size, packet_copy size, mem_eq pattern,
	// subscripted map handle, or array subscript index is not a
	// compile-time constant.
	NonConstantRequired
	// UndefinedName: a global or captured reference has no binding.
	UndefinedName
	// BadArgCount: a helper call has the wrong arity.
	BadArgCount
	// ArgOverwrite: a store-fast targets an argument slot.
	ArgOverwrite
	// KernelLoadFailure: the verifier rejected the program.
	KernelLoadFailure
)

func (k Kind) String() string {
	switch k {
	case UnsupportedOpcode:
		return "unsupported opcode"
	case TypeConflict:
		return "type conflict"
	case BackwardJump:
		return "backward jump"
	case NonConstantRequired:
		return "non-constant required"
	case UndefinedName:
		return "undefined name"
	case BadArgCount:
		return "bad argument count"
	case ArgOverwrite:
		return "argument slot overwrite"
	case KernelLoadFailure:
		return "kernel load failure"
	default:
		return "unknown error"
	}
}

// Error is a single translation fault, carrying the source line when known
// (0 means unknown).
type Error struct {
	Kind Kind
	Line int
	Msg  string

	// Line2 is set for errors that name two source lines, such as
	// TypeConflict ("names both lines" per spec).
	Line2 int
}

func (e *Error) Error() string {
	if e.Line2 != 0 {
		return fmt.Sprintf("line %d (also line %d): %s: %s", e.Line, e.Line2, e.Kind, e.Msg)
	}
	if e.Line != 0 {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New builds an Error with a single source line.
func New(kind Kind, line int, format string, args ...any) *Error {
	return &Error{Kind: kind, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// NewConflict builds a TypeConflict naming both offending lines.
func NewConflict(line, line2 int, format string, args ...any) *Error {
	return &Error{Kind: TypeConflict, Line: line, Line2: line2, Msg: fmt.Sprintf(format, args...)}
}

// List is a collection of Errors accumulated by a single pass. A pass
// collects every fault it detects (e.g. every bad opcode name) before
// returning, rather than stopping at the first one.
type List []*Error

// Add appends err to the list. A nil err is a no-op, so callers can write
// list.Add(check()) unconditionally.
func (l *List) Add(err *Error) {
	if err == nil {
		return
	}
	*l = append(*l, err)
}

// Sort orders the list by line, then by kind, for deterministic output.
func (l List) Sort() {
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].Line != l[j].Line {
			return l[i].Line < l[j].Line
		}
		return l[i].Kind < l[j].Kind
	})
}

// Err returns nil if the list is empty, else an error whose message joins
// every entry on its own line. This mirrors go/scanner.ErrorList.Err, which
// nenuphar's own scanner package relies on rather than rolling its own.
func (l List) Err() error {
	if len(l) == 0 {
		return nil
	}
	l.Sort()
	return l
}

func (l List) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	var b strings.Builder
	for i, e := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Error())
	}
	return b.String()
}
