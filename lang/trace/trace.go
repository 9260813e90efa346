// Package trace enumerates the forward execution paths through a decoded
// instruction stream. It exists purely to discover, for the variable
// assigner, which stack positions flow into which operations; it performs
// no type or value analysis of its own.
package trace

import (
	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/srcbc"
)

// Path is one acyclic walk from the function entry to a ReturnValue
// instruction, given as a sequence of indices into the decoded instruction
// slice that was traced.
type Path []int

// Paths walks instrs as a directed graph where each instruction's
// successor is the next index plus, for jump opcodes, the instruction at
// the target offset. Only forward edges are permitted: any jump whose
// target offset is less than or equal to the jump's own offset is a
// BackwardJump error. For every acyclic path from entry to a return, Paths
// yields the index sequence.
func Paths(instrs []srcbc.Instruction) ([]Path, error) {
	byOffset := make(map[int]int, len(instrs))
	for i, instr := range instrs {
		byOffset[instr.Offset] = i
	}

	var errs cerr.List
	var paths []Path

	var walk func(idx int, cur Path, seen map[int]bool)
	walk = func(idx int, cur Path, seen map[int]bool) {
		if idx >= len(instrs) {
			// fell off the end without a return; nothing to yield for this
			// branch, the caller will have already recorded any jump error.
			return
		}
		if seen[idx] {
			// Only reachable if an earlier jump check failed to fire; guard
			// against infinite recursion defensively.
			return
		}
		seen = cloneSeen(seen, idx)
		cur = append(cur[:len(cur):len(cur)], idx)

		instr := instrs[idx]
		switch instr.Op {
		case srcbc.ReturnValue:
			paths = append(paths, cur)
			return
		case srcbc.JumpForward:
			target, ok := checkForward(&errs, instr, byOffset)
			if ok {
				walk(target, cur, seen)
			}
			return
		case srcbc.PopJumpIfTrue, srcbc.PopJumpIfFalse:
			target, ok := checkForward(&errs, instr, byOffset)
			if ok {
				walk(target, cur, seen)
			}
			walk(idx+1, cur, seen)
			return
		default:
			walk(idx+1, cur, seen)
		}
	}

	if len(instrs) > 0 {
		walk(0, nil, nil)
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}

func checkForward(errs *cerr.List, instr srcbc.Instruction, byOffset map[int]int) (int, bool) {
	targetOffset := int(instr.Arg)
	if targetOffset <= instr.Offset {
		errs.Add(cerr.New(cerr.BackwardJump, instr.StartsLine, "jump target offset %d does not exceed source offset %d", targetOffset, instr.Offset))
		return 0, false
	}
	idx, ok := byOffset[targetOffset]
	if !ok {
		errs.Add(cerr.New(cerr.BackwardJump, instr.StartsLine, "jump target offset %d does not land on an instruction boundary", targetOffset))
		return 0, false
	}
	return idx, true
}

func cloneSeen(seen map[int]bool, idx int) map[int]bool {
	out := make(map[int]bool, len(seen)+1)
	for k, v := range seen {
		out[k] = v
	}
	out[idx] = true
	return out
}
