package label_test

import (
	"testing"

	"github.com/mna/ebpfc/lang/label"
	"github.com/mna/ebpfc/lang/mem"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/stretchr/testify/require"
)

func TestInsertLabelsDedup(t *testing.T) {
	instrs := []mem.Instruction{
		{Op: srcbc.PopJumpIfFalse, Offset: 0, Arg: 3},
		{Op: srcbc.JumpForward, Offset: 1, Arg: 3},
		{Op: srcbc.LoadConst, Offset: 2},
		{Op: srcbc.ReturnValue, Offset: 3},
	}
	elems := label.Insert(instrs)

	labels := 0
	for _, e := range elems {
		if e.Label != nil {
			labels++
		}
	}
	require.Equal(t, 1, labels, "two jumps to the same offset should produce exactly one label")

	// the label must precede the instruction at offset 3.
	sawLabel, sawReturn := false, false
	for _, e := range elems {
		if e.Label != nil {
			sawLabel = true
		}
		if e.Instr != nil && e.Instr.Op == srcbc.ReturnValue {
			sawReturn = true
			require.True(t, sawLabel)
		}
	}
	require.True(t, sawReturn)
}
