package fold_test

import (
	"testing"

	"github.com/mna/ebpfc/lang/fold"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/ssa"
	"github.com/stretchr/testify/require"
)

func TestFoldArithmeticIsIdempotent(t *testing.T) {
	ir := []ssa.Instruction{
		{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(2)}, DstVars: []ssa.Var{0}},
		{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(3)}, DstVars: []ssa.Var{1}},
		{Instruction: srcbc.Instruction{Op: srcbc.BinaryAdd}, SrcVars: []ssa.Var{1, 0}, DstVars: []ssa.Var{2}},
		{Instruction: srcbc.Instruction{Op: srcbc.ReturnValue}, SrcVars: []ssa.Var{2}},
	}

	env := &fold.Environment{}
	once, err := fold.Fold(ir, env)
	require.NoError(t, err)

	twice, err := fold.Fold(once, env)
	require.NoError(t, err)
	require.Equal(t, once, twice)

	// the add should have folded to a load_const 5.
	found := false
	for _, instr := range once {
		if instr.Op == srcbc.LoadConst {
			c, _ := instr.ArgVal.(srcbc.Const)
			if c.Kind == srcbc.IntConst && c.Int == 5 {
				found = true
			}
		}
	}
	require.True(t, found)
}

func TestPinGlobalsUndefined(t *testing.T) {
	ir := []ssa.Instruction{
		{Instruction: srcbc.Instruction{Op: srcbc.LoadGlobal, ArgVal: "missing"}, DstVars: []ssa.Var{0}},
		{Instruction: srcbc.Instruction{Op: srcbc.ReturnValue}, SrcVars: []ssa.Var{0}},
	}
	_, err := fold.Fold(ir, &fold.Environment{})
	require.Error(t, err)
}

func TestReinterpretStrings(t *testing.T) {
	ir := []ssa.Instruction{
		{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.StringC("hi")}, DstVars: []ssa.Var{0}},
		{Instruction: srcbc.Instruction{Op: srcbc.ReturnValue}, SrcVars: []ssa.Var{0}},
	}
	out, err := fold.Fold(ir, &fold.Environment{})
	require.NoError(t, err)
	c, _ := out[0].ArgVal.(srcbc.Const)
	require.Equal(t, srcbc.ByteArrayConst, c.Kind)
	require.Equal(t, []byte("hi\x00"), c.Bytes)
}

func TestRemoveUnreadConsts(t *testing.T) {
	ir := []ssa.Instruction{
		{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(1)}, DstVars: []ssa.Var{0}},
		{Instruction: srcbc.Instruction{Op: srcbc.LoadConst, ArgVal: srcbc.IntC(2)}, DstVars: []ssa.Var{1}},
		{Instruction: srcbc.Instruction{Op: srcbc.ReturnValue}, SrcVars: []ssa.Var{1}},
	}
	out, err := fold.Fold(ir, &fold.Environment{})
	require.NoError(t, err)
	require.Len(t, out, 2)
}
