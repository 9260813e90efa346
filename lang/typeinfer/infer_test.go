package typeinfer_test

import (
	"testing"

	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/ssa"
	"github.com/mna/ebpfc/lang/typeinfer"
	"github.com/mna/ebpfc/lang/types"
	"github.com/stretchr/testify/require"
)

func TestInferFieldRead(t *testing.T) {
	ctxType := &types.Type{
		Kind: types.Aggregate,
		Name: "sk_buff_ctx",
		Size: 8,
		Fields: []types.Field{
			{Name: "len", Type: types.ScalarType(types.Word), Offset: 0},
		},
	}

	ir := []ssa.Instruction{
		{Instruction: srcbc.Instruction{Op: srcbc.LoadFast, ArgVal: "ctx"}, DstVars: []ssa.Var{0}},
		{Instruction: srcbc.Instruction{Op: srcbc.LoadAttr, ArgVal: "len"}, SrcVars: []ssa.Var{0}, DstVars: []ssa.Var{1}},
		{Instruction: srcbc.Instruction{Op: srcbc.ReturnValue}, SrcVars: []ssa.Var{1}},
	}

	res, err := typeinfer.Infer(ir, []*types.Type{types.Widen(ctxType)}, nil)
	require.NoError(t, err)
	require.True(t, types.Equal(res.VarTypes[1], types.ScalarType(types.Word)))
}

func TestInferTypeConflict(t *testing.T) {
	ir := []ssa.Instruction{
		{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(1), StartsLine: 1}, DstVars: []ssa.Var{0}},
		{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.ByteArrayC("x"), StartsLine: 2}, DstVars: []ssa.Var{0}},
		{Instruction: srcbc.Instruction{Op: srcbc.ReturnValue}, SrcVars: []ssa.Var{0}},
	}
	_, err := typeinfer.Infer(ir, nil, nil)
	require.Error(t, err)
}
