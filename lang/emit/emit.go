// Package emit implements the template emitter pass (spec.md §4.8, §6.2):
// it translates every placed, typed IR instruction into a short sequence
// of concrete eBPF pseudo-instructions, following a fixed scratch-register
// discipline (R1-R5 helper arguments, R0 return/scratch, R6 context
// pointer set once in the prologue, R10 read-only frame pointer).
//
// Operand order conventions for the multi-operand opcodes, fixed here
// since the source bytecode format is this module's own (spec.md §3's
// "[DOMAIN] Source instruction set" note): for store_attr, SrcVars[0] is
// the value and SrcVars[1] the object; for store_subscr, SrcVars[0] is the
// value, SrcVars[1] the index, SrcVars[2] the object; for delete_subscr,
// SrcVars[0] is the index and SrcVars[1] the object — all mirroring
// binary_subscr's established index-on-top-of-object order.
package emit

import (
	"sort"

	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/ctxtypes"
	"github.com/mna/ebpfc/lang/ebpf"
	"github.com/mna/ebpfc/lang/helpers"
	"github.com/mna/ebpfc/lang/label"
	"github.com/mna/ebpfc/lang/mapspec"
	"github.com/mna/ebpfc/lang/mem"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/types"
)

// ctxSkBuff is the socket-filter context schema packet_copy's
// bounds-check template reads data/data_end from.
var ctxSkBuff = ctxtypes.SkBuff

// Insn is one emitted eBPF instruction, possibly still carrying a symbolic
// jump target (resolved later by lang/asm).
type Insn struct {
	ebpf.Insn
	JumpTo *int
}

// Elem is either a label marker (a jump target synthesized by the
// bytecode's own label inserter pass, or by this package for an
// internally expanded template) or the instructions one source
// instruction expanded to.
type Elem struct {
	Label *int
	Insns []Insn
}

// scratch registers available to templates between the prologue and the
// call-argument registers; R0 is reserved for helper return values.
const (
	scratchA = ebpf.R7
	scratchB = ebpf.R8
	scratchC = ebpf.R9
)

type emitter struct {
	argAreaSize int
	frameSize   int
	nextLabel   int
	maps        map[string]*mapspec.Spec

	// mapOrder fixes a deterministic position for each registered map name;
	// a map-fd pseudo-relocation's Imm carries this position rather than a
	// real fd (fds don't exist until BPF_MAP_CREATE runs at load time), and
	// lang/loader resolves it by indexing into the same sorted name list.
	mapOrder []string

	// labelAt maps a jump instruction's target offset (the space
	// instr.Arg/instr.Offset live in, set by the decoder) to the Label.ID
	// the label inserter minted for it — the two are unrelated integers
	// (Label.ID is just an insertion-order counter), so every jump template
	// must translate through this table rather than use the offset as an ID.
	labelAt map[int]int

	// scratchOffset is a bump allocator continuing downward from where
	// lang/mem's own allocator stopped (-prog.FrameSize), handing out extra
	// stack slots for operands that need a real address but were never
	// given one: a ConstVar only carries an immediate value, so storeSubscr
	// and deleteSubscr must spill it somewhere before taking its address
	// for the map_update_elem/map_delete_elem helper call.
	scratchOffset int
}

// Emit runs the template emitter over a label-inserted, placed instruction
// stream. argTypes is the function's declared argument types (used to size
// the prologue's register-spill stores and the argument area below the
// frame pointer that every non-argument slot offset is shifted past); maps
// resolves MapConst
// globals encountered in CallFunction/BinarySubscr templates.
func Emit(elems []label.Elem, prog *mem.Program, argTypes []*types.Type, maps map[string]*mapspec.Spec) ([]Elem, error) {
	order := make([]string, 0, len(maps))
	for name := range maps {
		order = append(order, name)
	}
	sort.Strings(order)

	labelAt := map[int]int{}
	for _, el := range elems {
		if el.Label != nil {
			labelAt[el.Label.Offset] = el.Label.ID
		}
	}

	e := &emitter{
		argAreaSize:   8 * len(argTypes),
		frameSize:     prog.FrameSize,
		nextLabel:     maxLabelID(elems) + 1,
		maps:          maps,
		mapOrder:      order,
		labelAt:       labelAt,
		scratchOffset: -prog.FrameSize,
	}

	var errs cerr.List
	out := make([]Elem, 0, len(elems)+4)
	out = append(out, Elem{Insns: e.prologue(argTypes)})

	for _, el := range elems {
		if el.Label != nil {
			id := el.Label.ID
			out = append(out, Elem{Label: &id})
			continue
		}
		insns, err := e.instruction(*el.Instr)
		if err != nil {
			errs.Add(err)
			continue
		}
		out = append(out, insns...)
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func maxLabelID(elems []label.Elem) int {
	max := -1
	for _, el := range elems {
		if el.Label != nil && el.Label.ID > max {
			max = el.Label.ID
		}
	}
	return max
}

func (e *emitter) newLabel() int {
	id := e.nextLabel
	e.nextLabel++
	return id
}

// prologue spills the incoming argument registers R1..R5 into their
// dedicated stack slots (so the rest of the pipeline can treat every
// variable, argument or local, as a memory location) and sets R6 to the
// context pointer, per spec.md §4.8's register convention.
func (e *emitter) prologue(argTypes []*types.Type) []Insn {
	var insns []Insn
	if len(argTypes) > 0 {
		insns = append(insns, plain(ebpf.Mov64Reg(ebpf.R6, ebpf.R1)))
	}
	for i, t := range argTypes {
		off := argSlotOffset(i)
		insns = append(insns, plain(ebpf.Store(sizeFor(t), ebpf.FP, off, ebpf.Register(1+i))))
	}
	return insns
}

func plain(in ebpf.Insn) Insn { return Insn{Insn: in} }

func argSlotOffset(argIndex int) int16 { return int16(-8 * (argIndex + 1)) }

func (e *emitter) slotOffset(mv mem.MemVar) int16 {
	switch mv.Kind {
	case mem.ArgVarKind:
		return argSlotOffset(mv.ArgIndex)
	default:
		return int16(mv.Offset - e.argAreaSize)
	}
}

func sizeFor(t *types.Type) uint8 {
	if t == nil {
		return ebpf.SizeDW
	}
	if t.Kind == types.Scalar {
		switch t.Width {
		case types.Byte:
			return ebpf.SizeB
		case types.Half:
			return ebpf.SizeH
		case types.Word:
			return ebpf.SizeW
		default:
			return ebpf.SizeDW
		}
	}
	return ebpf.SizeDW
}

// materialize loads mv's value into dst, returning the instructions to do
// so. Constants are loaded as immediates; everything else is a plain load
// from its stack slot (pointers are themselves 8-byte values at their
// slot, never dereferenced here).
func (e *emitter) materialize(dst ebpf.Register, mv mem.MemVar) []Insn {
	if mv.Kind == mem.ConstVarKind {
		switch mv.Const.Kind {
		case srcbc.BoolConst:
			v := int32(0)
			if mv.Const.Bool {
				v = 1
			}
			return []Insn{plain(ebpf.Mov64Imm(dst, v))}
		case srcbc.MapConst:
			return []Insn{plain(ebpf.LoadImm64(dst, e.mapIndex(mv.Const.Str), ebpf.PseudoMapFD))}
		default:
			if mv.Const.Int >= -(1<<31) && mv.Const.Int < (1<<31) {
				return []Insn{plain(ebpf.Mov64Imm(dst, int32(mv.Const.Int)))}
			}
			return []Insn{plain(ebpf.LoadImm64(dst, mv.Const.Int, 0))}
		}
	}
	return []Insn{plain(ebpf.Load(sizeFor(mv.Type), dst, ebpf.FP, e.slotOffset(mv)))}
}

// scratchVar returns a MemVar backed by a real stack slot: mv itself if it
// already has one (FastVar/StackVar/ArgVar), or a freshly bump-allocated
// slot if mv is a ConstVar, which carries only an immediate and was never
// placed anywhere by lang/mem. Needed wherever a template must take the
// address of an operand's materialized value (map_update_elem,
// map_delete_elem) rather than just read it into a register.
func (e *emitter) scratchVar(mv mem.MemVar) mem.MemVar {
	if mv.Kind != mem.ConstVarKind {
		return mv
	}
	size := types.ByteSize(mv.Type)
	align := types.Alignment(mv.Type)
	e.scratchOffset -= size
	e.scratchOffset &= ^(align - 1)
	return mem.MemVar{Kind: mem.StackVarKind, Offset: e.scratchOffset, Type: mv.Type}
}

func (e *emitter) store(mv mem.MemVar, src ebpf.Register) Insn {
	return plain(ebpf.Store(sizeFor(mv.Type), ebpf.FP, e.slotOffset(mv), src))
}

// address computes the absolute address of mv's stack slot into dst (used
// by addrof and by any helper argument that must be passed as a pointer to
// a local scratch buffer).
func (e *emitter) address(dst ebpf.Register, mv mem.MemVar) []Insn {
	return []Insn{
		plain(ebpf.Mov64Reg(dst, ebpf.FP)),
		plain(ebpf.AluImm(ebpf.AluAdd, dst, int32(e.slotOffset(mv)))),
	}
}

func (e *emitter) instruction(instr mem.Instruction) ([]Elem, error) {
	line := instr.StartsLine

	switch instr.Op {
	case srcbc.LoadFast, srcbc.LoadConst:
		// Pure placement; no data movement (the destination variable already
		// refers to the same slot).
		return nil, nil

	case srcbc.StoreFast:
		var insns []Insn
		insns = append(insns, e.materialize(scratchA, instr.Src[0])...)
		insns = append(insns, e.store(instr.Dst[0], scratchA))
		return one(insns), nil

	case srcbc.BinaryAdd, srcbc.BinarySubtract, srcbc.BinaryMultiply,
		srcbc.BinaryTrueDivide, srcbc.BinaryFloorDivide, srcbc.BinaryModulo,
		srcbc.BinaryAnd, srcbc.BinaryOr, srcbc.BinaryXor,
		srcbc.BinaryLShift, srcbc.BinaryRShift, srcbc.InplaceAdd:
		return one(e.binaryOp(instr)), nil

	case srcbc.CompareOp:
		return e.compareOp(instr)

	case srcbc.JumpForward:
		id, err := e.labelFor(int(instr.Arg), line)
		if err != nil {
			return nil, err
		}
		return one([]Insn{{Insn: ebpf.JumpAlways(0), JumpTo: &id}}), nil

	case srcbc.PopJumpIfTrue, srcbc.PopJumpIfFalse:
		insns, err := e.condJump(instr, line)
		if err != nil {
			return nil, err
		}
		return one(insns), nil

	case srcbc.ReturnValue:
		var insns []Insn
		insns = append(insns, e.materialize(ebpf.R0, instr.Src[0])...)
		insns = append(insns, plain(ebpf.Exit()))
		return one(insns), nil

	case srcbc.LoadAttr:
		return one(e.loadAttr(instr, line)), nil

	case srcbc.StoreAttr:
		insns, err := e.storeAttr(instr, line)
		if err != nil {
			return nil, err
		}
		return one(insns), nil

	case srcbc.BinarySubscr:
		insns, err := e.binarySubscr(instr, line)
		if err != nil {
			return nil, err
		}
		return one(insns), nil

	case srcbc.StoreSubscr:
		insns, err := e.storeSubscr(instr, line)
		if err != nil {
			return nil, err
		}
		return one(insns), nil

	case srcbc.DeleteSubscr:
		insns, err := e.deleteSubscr(instr, line)
		if err != nil {
			return nil, err
		}
		return one(insns), nil

	case srcbc.CallFunction:
		return e.callFunction(instr, line)

	default:
		return nil, cerr.New(cerr.UnsupportedOpcode, line, "emitter has no template for %s", instr.Op)
	}
}

func one(insns []Insn) []Elem {
	if len(insns) == 0 {
		return nil
	}
	return []Elem{{Insns: insns}}
}

func aluOpFor(op srcbc.Opcode) (uint8, bool) {
	switch op {
	case srcbc.BinaryAdd, srcbc.InplaceAdd:
		return ebpf.AluAdd, true
	case srcbc.BinarySubtract:
		return ebpf.AluSub, true
	case srcbc.BinaryMultiply:
		return ebpf.AluMul, true
	case srcbc.BinaryTrueDivide, srcbc.BinaryFloorDivide:
		return ebpf.AluDiv, true
	case srcbc.BinaryModulo:
		return ebpf.AluMod, true
	case srcbc.BinaryAnd:
		return ebpf.AluAnd, true
	case srcbc.BinaryOr:
		return ebpf.AluOr, true
	case srcbc.BinaryXor:
		return ebpf.AluXor, true
	case srcbc.BinaryLShift:
		return ebpf.AluLsh, true
	case srcbc.BinaryRShift:
		return ebpf.AluRsh, true
	default:
		return 0, false
	}
}

// binaryOp computes left <op> right, where SrcVars[0] is right (top of
// stack) and SrcVars[1] is left, per spec.md §4.4's pop-order convention.
func (e *emitter) binaryOp(instr mem.Instruction) []Insn {
	aluOp, _ := aluOpFor(instr.Op)
	var insns []Insn
	insns = append(insns, e.materialize(scratchA, instr.Src[1])...) // left
	insns = append(insns, e.materialize(scratchB, instr.Src[0])...) // right
	insns = append(insns, plain(ebpf.AluReg(aluOp, scratchA, scratchB)))
	insns = append(insns, e.store(instr.Dst[0], scratchA))
	return insns
}

// compareOp materializes the 0/1 boolean result of a comparison, per
// spec.md §4.8's "compare" template: normalize < and <= by swapping
// operands to > and >=, then branch/mov/jump/mov/label.
func (e *emitter) compareOp(instr mem.Instruction) ([]Elem, error) {
	kind, _ := instr.ArgVal.(srcbc.CompareKind)
	left, right := scratchA, scratchB // left=SrcVars[1], right=SrcVars[0]

	var insns []Insn
	insns = append(insns, e.materialize(left, instr.Src[1])...)
	insns = append(insns, e.materialize(right, instr.Src[0])...)

	cond, a, b := compareCond(kind, left, right)

	trueLabel := e.newLabel()
	doneLabel := e.newLabel()

	insns = append(insns, Insn{Insn: ebpf.JumpCond(cond, a, b, 0), JumpTo: &trueLabel})
	insns = append(insns, plain(ebpf.Mov64Imm(scratchA, 0)))
	insns = append(insns, e.store(instr.Dst[0], scratchA))
	insns = append(insns, Insn{Insn: ebpf.JumpAlways(0), JumpTo: &doneLabel})

	out := []Elem{{Insns: insns}}
	out = append(out, Elem{Label: &trueLabel})
	out = append(out, Elem{Insns: []Insn{
		plain(ebpf.Mov64Imm(scratchA, 1)),
		e.store(instr.Dst[0], scratchA),
	}})
	out = append(out, Elem{Label: &doneLabel})
	return out, nil
}

// compareCond returns the unsigned jump condition and operand order for
// kind, swapping operands for < and <= (see package doc and DESIGN.md's
// Open Question resolution on signed/unsigned compares).
func compareCond(kind srcbc.CompareKind, left, right ebpf.Register) (cond uint8, a, b ebpf.Register) {
	switch kind {
	case srcbc.CmpEQ:
		return ebpf.JmpJEQ, left, right
	case srcbc.CmpNE:
		return ebpf.JmpJNE, left, right
	case srcbc.CmpGT:
		return ebpf.JmpJGT, left, right
	case srcbc.CmpGE:
		return ebpf.JmpJGE, left, right
	case srcbc.CmpLT:
		return ebpf.JmpJGT, right, left
	case srcbc.CmpLE:
		return ebpf.JmpJGE, right, left
	default:
		return ebpf.JmpJEQ, left, right
	}
}

// condJump tests its single operand's truthiness against zero; PopJumpIfTrue
// jumps when the value is nonzero, PopJumpIfFalse when it is zero.
func (e *emitter) condJump(instr mem.Instruction, line int) ([]Insn, error) {
	insns := e.materialize(scratchA, instr.Src[0])
	id, err := e.labelFor(int(instr.Arg), line)
	if err != nil {
		return nil, err
	}
	cond := uint8(ebpf.JmpJNE)
	if instr.Op == srcbc.PopJumpIfFalse {
		cond = ebpf.JmpJEQ
	}
	insns = append(insns, Insn{Insn: ebpf.JumpCondImm(cond, scratchA, 0, 0), JumpTo: &id})
	return insns, nil
}

// labelFor translates a jump instruction's raw target offset (the space
// instr.Arg lives in) into the Label.ID the label inserter minted for that
// offset; the two are unrelated integers, see emitter.labelAt.
func (e *emitter) labelFor(offset, line int) (int, error) {
	id, ok := e.labelAt[offset]
	if !ok {
		return 0, cerr.New(cerr.UnsupportedOpcode, line, "jump target offset %d has no inserted label", offset)
	}
	return id, nil
}

func (e *emitter) loadAttr(instr mem.Instruction, line int) []Insn {
	name, _ := instr.ArgVal.(string)
	agg := aggregateOf(instr.Src[0].Type)
	field, _ := agg.FieldByName(name)

	loadWidth := sizeFor(field.Type)
	if field.OverrideType != nil {
		loadWidth = sizeFor(field.OverrideType)
	}

	var insns []Insn
	insns = append(insns, e.materialize(scratchA, instr.Src[0])...)
	insns = append(insns, plain(ebpf.Load(loadWidth, scratchB, scratchA, int16(field.Offset))))
	insns = append(insns, e.store(instr.Dst[0], scratchB))
	_ = line
	return insns
}

func (e *emitter) storeAttr(instr mem.Instruction, line int) ([]Insn, error) {
	name, _ := instr.ArgVal.(string)
	agg := aggregateOf(instr.Src[1].Type)
	field, ok := agg.FieldByName(name)
	if !ok {
		return nil, cerr.New(cerr.UndefinedName, line, "no field %q on %s", name, agg)
	}
	storeWidth := sizeFor(field.Type)
	if field.OverrideType != nil {
		storeWidth = sizeFor(field.OverrideType)
	}

	var insns []Insn
	insns = append(insns, e.materialize(scratchA, instr.Src[1])...) // object
	insns = append(insns, e.materialize(scratchB, instr.Src[0])...) // value
	insns = append(insns, plain(ebpf.Store(storeWidth, scratchA, int16(field.Offset), scratchB)))
	return insns, nil
}

func aggregateOf(t *types.Type) *types.Type {
	if t != nil && t.Kind == types.Pointer {
		return t.Pointee
	}
	return t
}

func (e *emitter) binarySubscr(instr mem.Instruction, line int) ([]Insn, error) {
	objType := instr.Src[1].Type
	base := objType
	if base != nil && base.Kind == types.Pointer {
		base = base.Pointee
	}

	switch {
	case base != nil && base.Kind == types.Array:
		elemSize := types.ByteSize(base.Elem)
		idxConst, ok := constIndex(instr.Src[0])
		if !ok {
			return nil, cerr.New(cerr.NonConstantRequired, line, "array subscript requires a constant index")
		}
		var insns []Insn
		insns = append(insns, e.materialize(scratchA, instr.Src[1])...)
		insns = append(insns, plain(ebpf.Load(sizeFor(base.Elem), scratchB, scratchA, int16(idxConst*int64(elemSize)))))
		insns = append(insns, e.store(instr.Dst[0], scratchB))
		return insns, nil

	case base != nil && base.Kind == types.MapHandle:
		return e.mapLookup(instr, line)

	default:
		return nil, cerr.New(cerr.UndefinedName, line, "subscript on non-array, non-map type %s", objType)
	}
}

func constIndex(mv mem.MemVar) (int64, bool) {
	if mv.Kind != mem.ConstVarKind || mv.Const.Kind != srcbc.IntConst {
		return 0, false
	}
	return mv.Const.Int, true
}

// mapLookup inlines a map_lookup_elem call: the key is spilled to a scratch
// stack slot, R1 gets the map's pseudo-fd relocation, R2 gets &key, and R0
// comes back either null or a pointer to the value (spec.md §6.2, §9).
func (e *emitter) mapLookup(instr mem.Instruction, line int) ([]Insn, error) {
	spec, err := e.mapSpecFor(instr.Src[1], line)
	if err != nil {
		return nil, err
	}

	var insns []Insn
	insns = append(insns, plain(ebpf.LoadImm64(ebpf.R1, e.mapIndex(spec.Name), ebpf.PseudoMapFD)))
	insns = append(insns, e.materialize(scratchA, instr.Src[0])...)
	insns = append(insns, e.store(keyScratch(instr), scratchA))
	insns = append(insns, e.address(ebpf.R2, keyScratch(instr))...)
	insns = append(insns, plain(ebpf.Call(int32(helpers.MustLookup("map_lookup_elem").ID))))
	insns = append(insns, e.store(instr.Dst[0], ebpf.R0))
	return insns, nil
}

// keyScratch picks the stack slot already allocated for the destination
// variable as scratch storage for the lookup key; the memory placer always
// reserves a slot wide enough for the key type at this call site.
func keyScratch(instr mem.Instruction) mem.MemVar {
	return instr.Dst[0]
}

// mapSpecFor resolves a Map handle MemVar back to its declared Spec. The
// handle type carries the map's source-level name (mapspec.HandleType sets
// Type.Name), so this is an exact lookup, not a shape guess.
func (e *emitter) mapSpecFor(mv mem.MemVar, line int) (*mapspec.Spec, error) {
	if mv.Type == nil || mv.Type.Kind != types.MapHandle {
		return nil, cerr.New(cerr.UndefinedName, line, "subscript object is not a map handle")
	}
	s, ok := e.maps[mv.Type.Name]
	if !ok {
		return nil, cerr.New(cerr.UndefinedName, line, "no registered map named %q", mv.Type.Name)
	}
	return s, nil
}

// mapIndex returns name's fixed position in mapOrder, used as the
// placeholder Imm of a pseudo-fd relocation instruction.
func (e *emitter) mapIndex(name string) int64 {
	for i, n := range e.mapOrder {
		if n == name {
			return int64(i)
		}
	}
	return -1
}

func (e *emitter) storeSubscr(instr mem.Instruction, line int) ([]Insn, error) {
	spec, err := e.mapSpecFor(instr.Src[2], line)
	if err != nil {
		return nil, err
	}

	keySlot := e.scratchVar(instr.Src[1])
	valSlot := e.scratchVar(instr.Src[0])

	var insns []Insn
	insns = append(insns, plain(ebpf.LoadImm64(ebpf.R1, e.mapIndex(spec.Name), ebpf.PseudoMapFD)))
	insns = append(insns, e.materialize(scratchA, instr.Src[1])...)
	insns = append(insns, e.store(keySlot, scratchA))
	insns = append(insns, e.address(ebpf.R2, keySlot)...)
	insns = append(insns, e.materialize(scratchB, instr.Src[0])...)
	insns = append(insns, e.store(valSlot, scratchB))
	insns = append(insns, e.address(ebpf.R3, valSlot)...)
	insns = append(insns, plain(ebpf.Mov64Imm(ebpf.R4, 0))) // BPF_ANY
	insns = append(insns, plain(ebpf.Call(int32(helpers.MustLookup("map_update_elem").ID))))
	return insns, nil
}

func (e *emitter) deleteSubscr(instr mem.Instruction, line int) ([]Insn, error) {
	spec, err := e.mapSpecFor(instr.Src[1], line)
	if err != nil {
		return nil, err
	}

	keySlot := e.scratchVar(instr.Src[0])

	var insns []Insn
	insns = append(insns, plain(ebpf.LoadImm64(ebpf.R1, e.mapIndex(spec.Name), ebpf.PseudoMapFD)))
	insns = append(insns, e.materialize(scratchA, instr.Src[0])...)
	insns = append(insns, e.store(keySlot, scratchA))
	insns = append(insns, e.address(ebpf.R2, keySlot)...)
	insns = append(insns, plain(ebpf.Call(int32(helpers.MustLookup("map_delete_elem").ID))))
	return insns, nil
}

// callFunction dispatches to a kernel helper or inlines a pseudo-intrinsic,
// per spec.md §6.2 and §4.8's call_helper template.
func (e *emitter) callFunction(instr mem.Instruction, line int) ([]Elem, error) {
	name, _ := instr.ArgVal.(string)
	if name == "" {
		return nil, cerr.New(cerr.UndefinedName, line, "call target is not a known function")
	}

	if isPseudo(name) {
		return e.pseudoIntrinsic(name, instr, line)
	}

	f, ok := helpers.Lookup(name)
	if !ok {
		return nil, cerr.New(cerr.UndefinedName, line, "call to unrecognized helper %q", name)
	}

	args := callArgs(instr)
	if f.Arity >= 0 && len(args) != f.Arity {
		return nil, cerr.New(cerr.BadArgCount, line, "%s expects %d arguments, got %d", name, f.Arity, len(args))
	}

	var insns []Insn
	for i, a := range args {
		reg := ebpf.Register(1 + i)
		insns = append(insns, e.materialize(reg, a)...)
		if f.FillSizeArg == i {
			insns = append(insns, plain(ebpf.Mov64Imm(ebpf.Register(1+i+1), int32(argByteSize(a)))))
		}
	}
	insns = append(insns, plain(ebpf.Call(int32(f.ID))))
	if len(instr.Dst) == 1 {
		insns = append(insns, e.store(instr.Dst[0], ebpf.R0))
	}
	return one(insns), nil
}

func argByteSize(a mem.MemVar) int {
	if a.Type == nil {
		return 0
	}
	t := a.Type
	if t.Kind == types.Pointer {
		t = t.Pointee
	}
	return types.ByteSize(t)
}

// callArgs returns a call_function instruction's arguments in natural
// (first-pushed-first) order. The memory placer already stripped the
// callee out of instr.Src (see lang/mem's CallFunction special case),
// leaving only arguments in pop order (top-first); reverse to recover
// call order, matching ssa.CallOperands.
func callArgs(instr mem.Instruction) []mem.MemVar {
	n := len(instr.Src)
	args := make([]mem.MemVar, n)
	for i, a := range instr.Src {
		args[n-1-i] = a
	}
	return args
}

func isPseudo(name string) bool {
	f, ok := helpers.Lookup(name)
	return ok && f.Pseudo
}

// pseudoIntrinsic inline-expands addrof/memcpy/ptr/deref/packet_copy and
// the load_skb_* / mem_eq family (spec.md §6.2).
func (e *emitter) pseudoIntrinsic(name string, instr mem.Instruction, line int) ([]Elem, error) {
	args := callArgs(instr)

	switch name {
	case "addrof":
		if len(args) != 1 {
			return nil, cerr.New(cerr.BadArgCount, line, "addrof expects 1 argument")
		}
		insns := e.address(scratchA, args[0])
		if len(instr.Dst) == 1 {
			insns = append(insns, e.store(instr.Dst[0], scratchA))
		}
		return one(insns), nil

	case "ptr", "deref":
		if len(args) != 1 {
			return nil, cerr.New(cerr.BadArgCount, line, "%s expects 1 argument", name)
		}
		insns := e.materialize(scratchA, args[0])
		if len(instr.Dst) == 1 {
			insns = append(insns, e.store(instr.Dst[0], scratchA))
		}
		return one(insns), nil

	case "memcpy":
		insns, err := e.memcpy(args, line)
		if err != nil {
			return nil, err
		}
		return one(insns), nil

	case "packet_copy":
		return e.packetCopy(instr, args, line)

	case "load_skb_byte", "load_skb_short", "load_skb_word":
		insns, err := e.loadSkb(name, instr, args, line)
		if err != nil {
			return nil, err
		}
		return one(insns), nil

	case "mem_eq":
		return e.memEq(instr, args, line)

	default:
		return nil, cerr.New(cerr.UndefinedName, line, "unrecognized pseudo-intrinsic %q", name)
	}
}

// memcpy requires a compile-time-constant size (spec.md §6.2: "memcpy
// (const size)") and expands into unrolled 8-byte copies followed by
// single-byte copies for the remainder, since the size is known.
func (e *emitter) memcpy(args []mem.MemVar, line int) ([]Insn, error) {
	if len(args) != 3 {
		return nil, cerr.New(cerr.BadArgCount, line, "memcpy expects (dst, src, size)")
	}
	size, ok := constIndex(args[2])
	if !ok {
		return nil, cerr.New(cerr.NonConstantRequired, line, "memcpy size must be a constant")
	}

	var insns []Insn
	insns = append(insns, e.address(scratchA, args[0])...)
	insns = append(insns, e.address(scratchB, args[1])...)
	var off int64
	for off+8 <= size {
		insns = append(insns, plain(ebpf.Load(ebpf.SizeDW, scratchC, scratchB, int16(off))))
		insns = append(insns, plain(ebpf.Store(ebpf.SizeDW, scratchA, int16(off), scratchC)))
		off += 8
	}
	for off < size {
		insns = append(insns, plain(ebpf.Load(ebpf.SizeB, scratchC, scratchB, int16(off))))
		insns = append(insns, plain(ebpf.Store(ebpf.SizeB, scratchA, int16(off), scratchC)))
		off++
	}
	return insns, nil
}

// packetCopy reads size (constant) bytes from the packet's data pointer at
// a runtime offset into dst, guarded by the verifier's bounds-check
// protocol: compare data+offset+size against data_end before the load
// (spec.md §6.2, §8's "what makes this hard for a naive compiler" note).
// packet_copy(dst, offset, size) reads the socket-filter context's
// data/data_end pointers (spec.md §6.3's dest_type_overrides-promoted
// fields), bounds-checks [data+offset, data+offset+size) against
// data_end, and only then copies size bytes into dst; out-of-bounds exits
// the program early returning 0, matching the verifier's required
// direct-packet-access protocol.
func (e *emitter) packetCopy(instr mem.Instruction, args []mem.MemVar, line int) ([]Elem, error) {
	if len(args) != 3 {
		return nil, cerr.New(cerr.BadArgCount, line, "packet_copy expects (dst, offset, size)")
	}
	size, ok := constIndex(args[2])
	if !ok {
		return nil, cerr.New(cerr.NonConstantRequired, line, "packet_copy size must be a constant")
	}

	failLabel := e.newLabel()
	doneLabel := e.newLabel()

	dataField, _ := ctxSkBuff.FieldByName("data")
	dataEndField, _ := ctxSkBuff.FieldByName("data_end")

	var insns []Insn
	insns = append(insns, plain(ebpf.Load(sizeFor(dataField.OverrideType), scratchA, ebpf.R6, int16(dataField.Offset))))      // data
	insns = append(insns, plain(ebpf.Load(sizeFor(dataEndField.OverrideType), scratchB, ebpf.R6, int16(dataEndField.Offset)))) // data_end
	insns = append(insns, e.materialize(scratchC, args[1])...)
	insns = append(insns, plain(ebpf.AluReg(ebpf.AluAdd, scratchA, scratchC))) // scratchA = data + offset (copy source)
	insns = append(insns, plain(ebpf.Mov64Reg(scratchC, scratchA)))
	insns = append(insns, plain(ebpf.AluImm(ebpf.AluAdd, scratchC, int32(size)))) // scratchC = src + size
	insns = append(insns, Insn{Insn: ebpf.JumpCond(ebpf.JmpJGT, scratchC, scratchB, 0), JumpTo: &failLabel})

	dstInsns := e.address(scratchB, args[0])
	insns = append(insns, dstInsns...)
	var off int64
	for off < size {
		insns = append(insns, plain(ebpf.Load(ebpf.SizeB, scratchC, scratchA, int16(off))))
		insns = append(insns, plain(ebpf.Store(ebpf.SizeB, scratchB, int16(off), scratchC)))
		off++
	}
	insns = append(insns, Insn{Insn: ebpf.JumpAlways(0), JumpTo: &doneLabel})

	out := []Elem{{Insns: insns}}
	out = append(out, Elem{Label: &failLabel})
	out = append(out, Elem{Insns: []Insn{plain(ebpf.Mov64Imm(ebpf.R0, 0)), plain(ebpf.Exit())}})
	out = append(out, Elem{Label: &doneLabel})
	_ = instr
	return out, nil
}

func (e *emitter) loadSkb(name string, instr mem.Instruction, args []mem.MemVar, line int) ([]Insn, error) {
	if len(args) != 1 {
		return nil, cerr.New(cerr.BadArgCount, line, "%s expects 1 argument", name)
	}
	var size uint8
	switch name {
	case "load_skb_byte":
		size = ebpf.SizeB
	case "load_skb_short":
		size = ebpf.SizeH
	default:
		size = ebpf.SizeW
	}

	var insns []Insn
	if off, ok := constIndex(args[0]); ok {
		insns = append(insns, plain(ebpf.Load(size, ebpf.R0, ebpf.R6, int16(off))))
	} else {
		insns = append(insns, e.materialize(scratchA, args[0])...)
		insns = append(insns, plain(ebpf.Load(size, ebpf.R0, scratchA, 0)))
	}
	if len(instr.Dst) == 1 {
		insns = append(insns, e.store(instr.Dst[0], ebpf.R0))
	}
	return insns, nil
}

// memEq compares a constant byte array against a runtime buffer pointer,
// byte by byte (spec.md §6.2), materializing a 0/1 result.
func (e *emitter) memEq(instr mem.Instruction, args []mem.MemVar, line int) ([]Elem, error) {
	if len(args) != 2 {
		return nil, cerr.New(cerr.BadArgCount, line, "mem_eq expects (const_bytes, buf)")
	}
	if args[0].Kind != mem.ConstVarKind || args[0].Const.Kind != srcbc.ByteArrayConst {
		return nil, cerr.New(cerr.NonConstantRequired, line, "mem_eq's first argument must be a constant byte array")
	}
	want := args[0].Const.Bytes

	failLabel := e.newLabel()
	doneLabel := e.newLabel()

	var insns []Insn
	insns = append(insns, e.address(scratchB, args[1])...)
	for i, b := range want {
		insns = append(insns, plain(ebpf.Load(ebpf.SizeB, scratchA, scratchB, int16(i))))
		insns = append(insns, Insn{Insn: ebpf.JumpCondImm(ebpf.JmpJNE, scratchA, int32(b), 0), JumpTo: &failLabel})
	}
	insns = append(insns, plain(ebpf.Mov64Imm(scratchA, 1)))
	insns = append(insns, e.store(instr.Dst[0], scratchA))
	insns = append(insns, Insn{Insn: ebpf.JumpAlways(0), JumpTo: &doneLabel})

	out := []Elem{{Insns: insns}}
	out = append(out, Elem{Label: &failLabel})
	out = append(out, Elem{Insns: []Insn{
		plain(ebpf.Mov64Imm(scratchA, 0)),
		e.store(instr.Dst[0], scratchA),
	}})
	out = append(out, Elem{Label: &doneLabel})
	return out, nil
}
