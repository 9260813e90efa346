package trace_test

import (
	"testing"

	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/trace"
	"github.com/stretchr/testify/require"
)

func TestPathsDiamond(t *testing.T) {
	// load_const 0
	// pop_jump_if_false -> else branch
	// load_const 1          (then)
	// jump_forward -> join
	// load_const 2          (else)
	// return_value          (join)
	instrs := []srcbc.Instruction{
		{Op: srcbc.LoadConst, Offset: 0},
		{Op: srcbc.PopJumpIfFalse, Offset: 1, Arg: 4},
		{Op: srcbc.LoadConst, Offset: 2},
		{Op: srcbc.JumpForward, Offset: 3, Arg: 5},
		{Op: srcbc.LoadConst, Offset: 4},
		{Op: srcbc.ReturnValue, Offset: 5},
	}
	// reindex offsets as positions for this synthetic test (1 instr = 1 unit)
	for i := range instrs {
		instrs[i].Offset = i
	}
	instrs[1].Arg = 4
	instrs[3].Arg = 5

	paths, err := trace.Paths(instrs)
	require.NoError(t, err)
	require.Len(t, paths, 2)
}

func TestPathsRejectsBackwardJump(t *testing.T) {
	instrs := []srcbc.Instruction{
		{Op: srcbc.JumpForward, Offset: 0, Arg: 0},
		{Op: srcbc.ReturnValue, Offset: 1},
	}
	_, err := trace.Paths(instrs)
	require.Error(t, err)
	var list cerr.List
	require.ErrorAs(t, err, &list)
	require.Equal(t, cerr.BackwardJump, list[0].Kind)
}
