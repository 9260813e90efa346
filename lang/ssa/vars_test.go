package ssa_test

import (
	"testing"

	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/ssa"
	"github.com/stretchr/testify/require"
)

// TestDiamondUnification builds a diamond of constant stores (two branches
// each load_const, joining before a store_fast) and asserts the downstream
// consumer sees a single variable, per spec.md §8 property 2.
func TestDiamondUnification(t *testing.T) {
	instrs := []srcbc.Instruction{
		{Op: srcbc.LoadFast, Offset: 0, Arg: 0},
		{Op: srcbc.PopJumpIfFalse, Offset: 1, Arg: 4},
		{Op: srcbc.LoadConst, Offset: 2, Arg: 0},
		{Op: srcbc.JumpForward, Offset: 3, Arg: 5},
		{Op: srcbc.LoadConst, Offset: 4, Arg: 1},
		{Op: srcbc.StoreFast, Offset: 5, Arg: 1},
		{Op: srcbc.LoadConst, Offset: 6, Arg: 2},
		{Op: srcbc.ReturnValue, Offset: 7},
	}
	for i := range instrs {
		instrs[i].Offset = i
	}
	instrs[1].Arg, instrs[3].Arg = 4, 5

	ir, err := ssa.Assign(instrs)
	require.NoError(t, err)

	var storeVar ssa.Var
	found := false
	for _, in := range ir {
		if in.Op == srcbc.StoreFast {
			storeVar = in.SrcVars[0]
			found = true
		}
	}
	require.True(t, found)

	// the two producers (offsets 2 and 4) must have unified to storeVar.
	seen := map[ssa.Var]bool{}
	for _, in := range ir {
		if in.Op == srcbc.LoadConst && (in.Offset == 2 || in.Offset == 4) {
			seen[in.DstVars[0]] = true
		}
	}
	require.Len(t, seen, 1)
	require.True(t, seen[storeVar])
}

func TestCallOperandsOrder(t *testing.T) {
	// push order: callee, arg0, arg1 -> pop order (top first): arg1, arg0, callee
	srcVars := []ssa.Var{2, 1, 0}
	callee, args := ssa.CallOperands(srcVars)
	require.Equal(t, ssa.Var(0), callee)
	require.Equal(t, []ssa.Var{1, 2}, args)
}
