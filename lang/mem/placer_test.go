package mem_test

import (
	"testing"

	"github.com/mna/ebpfc/lang/mem"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/ssa"
	"github.com/mna/ebpfc/lang/typeinfer"
	"github.com/mna/ebpfc/lang/types"
	"github.com/stretchr/testify/require"
)

func TestPlaceStackDiscipline(t *testing.T) {
	ir := []typeinfer.Instruction{
		{
			Instruction: ssa.Instruction{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(1)}, DstVars: []ssa.Var{0}},
			DstTypes:    []*types.Type{types.ScalarType(types.Quad)},
		},
		{
			Instruction: ssa.Instruction{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(2)}, DstVars: []ssa.Var{1}},
			DstTypes:    []*types.Type{types.ScalarType(types.Quad)},
		},
		{
			Instruction: ssa.Instruction{Instruction: srcbc.Instruction{Op: srcbc.BinaryAdd}, SrcVars: []ssa.Var{1, 0}, DstVars: []ssa.Var{2}},
			SrcTypes:    []*types.Type{types.ScalarType(types.Quad), types.ScalarType(types.Quad)},
			DstTypes:    []*types.Type{types.ScalarType(types.Quad)},
		},
		{
			Instruction: ssa.Instruction{Instruction: srcbc.Instruction{Op: srcbc.ReturnValue}, SrcVars: []ssa.Var{2}},
			SrcTypes:    []*types.Type{types.ScalarType(types.Quad)},
		},
	}

	prog, err := mem.Place(ir, 0)
	require.NoError(t, err)
	require.Greater(t, prog.FrameSize, 0)

	for _, instr := range prog.Instrs {
		for _, v := range append(append([]mem.MemVar{}, instr.Src...), instr.Dst...) {
			if v.Kind == mem.StackVarKind || v.Kind == mem.FastVarKind {
				require.Less(t, v.Offset, 0)
				require.Greater(t, v.Offset, -prog.FrameSize-1)
			}
		}
	}
}

func TestPlaceRejectsArgOverwrite(t *testing.T) {
	ir := []typeinfer.Instruction{
		{
			Instruction: ssa.Instruction{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(1)}, DstVars: []ssa.Var{0}},
			DstTypes:    []*types.Type{types.ScalarType(types.Quad)},
		},
		{
			Instruction: ssa.Instruction{Instruction: srcbc.Instruction{Op: srcbc.StoreFast, Arg: 0}, SrcVars: []ssa.Var{0}},
			SrcTypes:    []*types.Type{types.ScalarType(types.Quad)},
		},
	}
	_, err := mem.Place(ir, 1)
	require.Error(t, err)
}
