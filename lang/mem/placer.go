// Package mem implements the memory placer pass (spec.md §4.6): it
// classifies every variable as an argument slot, a named local, a stack
// slot, or a compile-time constant, and allocates stack offsets for the
// latter two via a bump allocator.
package mem

import (
	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/typeinfer"
	"github.com/mna/ebpfc/lang/types"
)

// Kind identifies which of the four memory-classified variable variants a
// MemVar is.
type Kind int

const (
	ArgVarKind Kind = iota
	FastVarKind
	StackVarKind
	ConstVarKind
)

// MemVar is a variable after memory placement: spec.md §3's
// ArgVar/FastVar/StackVar/ConstVar, collapsed into one struct discriminated
// by Kind.
type MemVar struct {
	Kind Kind

	ArgIndex int         // ArgVarKind
	Name     string      // FastVarKind
	Offset   int         // FastVarKind, StackVarKind: negative frame-pointer offset
	Const    srcbc.Const // ConstVarKind
	Type     *types.Type
}

// Instruction is the IR form the emitter consumes: every source and
// destination reference has been resolved to a concrete memory location.
type Instruction struct {
	Op           srcbc.Opcode
	Arg          uint32
	ArgVal       any
	Offset       int
	StartsLine   int
	IsJumpTarget bool

	Src []MemVar
	Dst []MemVar
}

// Program is the output of Place: the placed instruction stream plus the
// total frame size the bump allocator consumed, expressed as a positive
// byte count for the caller's convenience when reserving the stack (the
// allocator itself only ever hands out negative offsets, per spec.md's
// "stack offsets are negative... grow monotonically downward" invariant).
type Program struct {
	Instrs    []Instruction
	FrameSize int
}

// stack is the bump allocator described in spec.md §4.6:
//
//	offset -= size; offset &= ~(alignment - 1); slot = offset
type stack struct {
	offset int
}

func (s *stack) alloc(t *types.Type) int {
	size := types.ByteSize(t)
	align := types.Alignment(t)
	s.offset -= size
	s.offset &= ^(align - 1)
	return s.offset
}

type placer struct {
	st         stack
	fastSlotOf map[string]MemVar
	placedOf   map[int]MemVar // ssa var id -> its resolved MemVar, any kind
	constOf    map[int]MemVar
	funcNameOf map[int]string // ssa var id -> callee name, for call_function
}

// Place runs the memory placer over a typed instruction stream. numArgs is
// the function's declared argument count; any LoadFast/StoreFast whose
// slot index is below numArgs refers to an ArgVar, matching spec.md's "load
// of argument N (N < number of arguments)" rule. StoreFast to an argument
// slot is an ArgOverwrite error.
func Place(instrs []typeinfer.Instruction, numArgs int) (*Program, error) {
	var errs cerr.List
	p := &placer{
		fastSlotOf: map[string]MemVar{},
		placedOf:   map[int]MemVar{},
		constOf:    map[int]MemVar{},
		funcNameOf: map[int]string{},
	}

	out := make([]Instruction, 0, len(instrs))
	for _, instr := range instrs {
		line := instr.StartsLine

		// load_const producers are lifted into ConstVar references attached
		// to each consumer and dropped from the instruction stream entirely.
		// FuncConst producers have no memory location at all; their name is
		// recorded so a later call_function can recover its callee.
		if instr.Op == srcbc.LoadConst {
			c, _ := instr.ArgVal.(srcbc.Const)
			vid := int(instr.DstVars[0])
			if c.Kind == srcbc.FuncConst {
				p.funcNameOf[vid] = c.Str
			} else {
				mv := MemVar{Kind: ConstVarKind, Const: c, Type: instr.DstTypes[0]}
				p.constOf[vid] = mv
				p.placedOf[vid] = mv
			}
			continue
		}

		if instr.Op == srcbc.StoreFast && int(instr.Arg) < numArgs {
			errs.Add(cerr.New(cerr.ArgOverwrite, line, "store to argument slot %d", instr.Arg))
			continue
		}

		mi := Instruction{
			Op: instr.Op, Arg: instr.Arg, ArgVal: instr.ArgVal,
			Offset: instr.Offset, StartsLine: line, IsJumpTarget: instr.IsJumpTarget,
		}

		// call_function's source list ends with the callee (ssa's pop-order
		// convention): it has no memory location, only a name, so it is
		// resolved into mi.ArgVal instead of mi.Src.
		srcVars := instr.SrcVars
		if instr.Op == srcbc.CallFunction && len(srcVars) > 0 {
			calleeVID := int(srcVars[len(srcVars)-1])
			mi.ArgVal = p.funcNameOf[calleeVID]
			srcVars = srcVars[:len(srcVars)-1]
		}

		for i, v := range srcVars {
			mi.Src = append(mi.Src, p.resolve(int(v), instr.SrcTypes[i]))
		}

		isArgLoad := instr.Op == srcbc.LoadFast && int(instr.Arg) < numArgs
		for i, v := range instr.DstVars {
			switch {
			case isArgLoad:
				mv := MemVar{Kind: ArgVarKind, ArgIndex: int(instr.Arg), Type: instr.DstTypes[i]}
				p.placedOf[int(v)] = mv
				mi.Dst = append(mi.Dst, mv)
			case instr.Op == srcbc.LoadFast:
				name, _ := instr.ArgVal.(string)
				mv := p.fastVar(name, instr.DstTypes[i])
				p.placedOf[int(v)] = mv
				mi.Dst = append(mi.Dst, mv)
			default:
				mv := p.stackVar(int(v), instr.DstTypes[i])
				mi.Dst = append(mi.Dst, mv)
			}
		}

		// store_fast never pushes (pushes == 0), but it still names the slot
		// it writes to; record it the same way so later loads of the same
		// name share the allocation.
		if instr.Op == srcbc.StoreFast {
			name, _ := instr.ArgVal.(string)
			var t *types.Type
			if len(instr.SrcTypes) > 0 {
				t = instr.SrcTypes[0]
			}
			mv := p.fastVar(name, t)
			mi.Dst = append(mi.Dst, mv)
		}

		out = append(out, mi)
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return &Program{Instrs: out, FrameSize: -p.st.offset}, nil
}

func (p *placer) fastVar(name string, t *types.Type) MemVar {
	if mv, ok := p.fastSlotOf[name]; ok {
		return mv
	}
	mv := MemVar{Kind: FastVarKind, Name: name, Offset: p.st.alloc(t), Type: t}
	p.fastSlotOf[name] = mv
	return mv
}

func (p *placer) stackVar(vid int, t *types.Type) MemVar {
	if mv, ok := p.placedOf[vid]; ok {
		return mv
	}
	mv := MemVar{Kind: StackVarKind, Offset: p.st.alloc(t), Type: t}
	p.placedOf[vid] = mv
	return mv
}

// resolve looks up the already-placed location of a source variable. Every
// variable is placed at its producing (destination) site before any
// consumer can read it, since all jumps are forward; the stack-var
// fallback below only guards against a malformed pipeline.
func (p *placer) resolve(vid int, t *types.Type) MemVar {
	if mv, ok := p.constOf[vid]; ok {
		return mv
	}
	if mv, ok := p.placedOf[vid]; ok {
		return mv
	}
	return p.stackVar(vid, t)
}
