package srcbc

import (
	"fmt"

	"github.com/mna/ebpfc/lang/cerr"
)

// argOpcodeMin is the first opcode in the enum's declaration order that
// carries an argument; every opcode below it is bare. This mirrors
// opcode.go's OpcodeArgMin split in the teacher's compiler package.
const argOpcodeMin = LoadFast

// Instruction is a single decoded source instruction, immutable after
// Decode returns (per spec.md §3, "Decoded instruction ... Immutable after
// decode").
type Instruction struct {
	Op     Opcode
	Arg    uint32
	ArgVal any // a name string, Const, CompareKind, or nil, depending on Op

	Offset         int // byte offset of this instruction in the stream
	StartsLine     int // source line this instruction begins, 0 if unknown
	IsJumpTarget   bool
}

// Bytecode is the raw input to Decode: an encoded instruction stream plus
// the side tables a host compiler would normally expose alongside it
// (names referenced by attribute/global/cell loads, and the function's
// constant pool), matching the co_names/co_consts convention of the
// stack-bytecode family this compiler targets.
type Bytecode struct {
	Code     []byte
	Names    []string
	Consts   []Const
	VarNames []string // local slot index -> name; slots [0,NumArgs) are arguments
	NumArgs  int

	// Lines maps a byte offset to a 1-based source line; offsets not
	// present inherit the line of the nearest preceding offset present, or
	// 0 if none is.
	Lines map[int]int
}

func (bc *Bytecode) lineAt(offset int) int {
	if bc.Lines == nil {
		return 0
	}
	if l, ok := bc.Lines[offset]; ok {
		return l
	}
	best := 0
	bestOff := -1
	for off, l := range bc.Lines {
		if off <= offset && off > bestOff {
			best, bestOff = l, off
		}
	}
	return best
}

// Decode turns a Bytecode's encoded instruction stream into the in-memory
// decoded form every later pass consumes. It rejects any opcode outside
// the supported set, collecting every bad opcode name before returning a
// single UnsupportedOpcode-kind error list, matching
// _ensure_translatable_ops's "collect all bad ops before raising" behavior.
func Decode(bc *Bytecode) ([]Instruction, error) {
	var errs cerr.List
	var out []Instruction
	offsets := map[int]int{} // byte offset -> index in out
	jumpTargets := map[int]bool{}

	pos := 0
	for pos < len(bc.Code) {
		start := pos
		op := Opcode(bc.Code[pos])
		pos++

		if !op.Valid() {
			errs.Add(cerr.New(cerr.UnsupportedOpcode, bc.lineAt(start), "opcode %d is not in the supported set", bc.Code[start]))
			// Skip a single byte and keep scanning so that every bad opcode
			// in the stream gets reported, not just the first.
			continue
		}

		var arg uint32
		if op >= argOpcodeMin {
			if op.isJump() {
				if pos+4 > len(bc.Code) {
					errs.Add(cerr.New(cerr.UnsupportedOpcode, bc.lineAt(start), "truncated jump argument for %s", op))
					break
				}
				arg = be32(bc.Code[pos:])
				pos += 4
			} else {
				v, n, ok := readVarint(bc.Code[pos:])
				if !ok {
					errs.Add(cerr.New(cerr.UnsupportedOpcode, bc.lineAt(start), "truncated argument for %s", op))
					break
				}
				arg = v
				pos += n
			}
		}

		instr := Instruction{
			Op:         op,
			Arg:        arg,
			Offset:     start,
			StartsLine: bc.lineAt(start),
		}

		switch op {
		case LoadAttr, StoreAttr, LoadGlobal, LoadDeref:
			if int(arg) >= len(bc.Names) {
				errs.Add(cerr.New(cerr.UndefinedName, instr.StartsLine, "name index %d out of range", arg))
			} else {
				instr.ArgVal = bc.Names[arg]
			}
		case LoadFast, StoreFast:
			if int(arg) >= len(bc.VarNames) {
				errs.Add(cerr.New(cerr.UndefinedName, instr.StartsLine, "local slot %d out of range", arg))
			} else {
				instr.ArgVal = bc.VarNames[arg]
			}
		case LoadConst:
			if int(arg) >= len(bc.Consts) {
				errs.Add(cerr.New(cerr.UnsupportedOpcode, instr.StartsLine, "const index %d out of range", arg))
			} else {
				instr.ArgVal = bc.Consts[arg]
			}
		case CompareOp:
			k := CompareKind(arg)
			if k > CmpNE {
				errs.Add(cerr.New(cerr.UnsupportedOpcode, instr.StartsLine, "unrecognized comparison kind %d", arg))
			}
			instr.ArgVal = k
		case JumpForward, PopJumpIfTrue, PopJumpIfFalse:
			jumpTargets[int(arg)] = true
		}

		offsets[start] = len(out)
		out = append(out, instr)
	}

	for off := range jumpTargets {
		if idx, ok := offsets[off]; ok {
			out[idx].IsJumpTarget = true
		}
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func readVarint(b []byte) (value uint32, n int, ok bool) {
	var shift uint
	for n < len(b) {
		c := b[n]
		n++
		value |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return value, n, true
		}
		shift += 7
		if shift > 28 {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func putVarint(buf []byte, x uint32) []byte {
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	return append(buf, byte(x))
}

// Encode serializes instrs into the wire format Decode reads: one opcode
// byte, followed for opcodes from argOpcodeMin on by the argument, as a
// 4-byte big-endian value for jumps and as a varint otherwise. It is used
// by tests to build Bytecode fixtures and by tooling that wants to
// round-trip a decoded program.
func Encode(instrs []Instruction) []byte {
	var buf []byte
	for _, instr := range instrs {
		buf = append(buf, byte(instr.Op))
		if instr.Op >= argOpcodeMin {
			if instr.Op.isJump() {
				buf = append(buf, byte(instr.Arg>>24), byte(instr.Arg>>16), byte(instr.Arg>>8), byte(instr.Arg))
			} else {
				buf = putVarint(buf, instr.Arg)
			}
		}
	}
	return buf
}

// String renders instr for diagnostics (the CLI's decode command).
func (instr Instruction) String() string {
	if instr.ArgVal != nil {
		return fmt.Sprintf("%d: %s %v", instr.Offset, instr.Op, instr.ArgVal)
	}
	if instr.Op >= argOpcodeMin {
		return fmt.Sprintf("%d: %s %d", instr.Offset, instr.Op, instr.Arg)
	}
	return fmt.Sprintf("%d: %s", instr.Offset, instr.Op)
}
