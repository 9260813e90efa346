package ebpf_test

import (
	"testing"

	"github.com/mna/ebpfc/lang/ebpf"
	"github.com/stretchr/testify/require"
)

func TestEncodeExitIsEightBytes(t *testing.T) {
	b := ebpf.Exit().Encode()
	require.Len(t, b, 8)
	require.Equal(t, uint8(ebpf.ClassJmp|ebpf.JmpExit), b[0])
}

func TestLoadImm64SpansTwoSlots(t *testing.T) {
	in := ebpf.LoadImm64(ebpf.R1, 0x1_0000_0002, 0)
	require.Equal(t, 2, in.Slots())
	b := in.Encode()
	require.Len(t, b, 16)
	require.Equal(t, uint8(2), b[4]) // low imm32 of 0x100000002 is 2
}

func TestLoadImm64MapFDSetsPseudoSrc(t *testing.T) {
	in := ebpf.LoadImm64(ebpf.R1, 7, ebpf.PseudoMapFD)
	b := in.Encode()
	require.Equal(t, uint8(ebpf.PseudoMapFD), (b[1]>>4)&0x0f)
}

func TestAluRegEncodesDstSrcNibbles(t *testing.T) {
	in := ebpf.AluReg(ebpf.AluAdd, ebpf.R6, ebpf.R7)
	b := in.Encode()
	require.Equal(t, uint8(ebpf.R6), b[1]&0x0f)
	require.Equal(t, uint8(ebpf.R7), (b[1]>>4)&0x0f)
}
