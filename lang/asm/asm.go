// Package asm implements the assembler pass (spec.md §4.9): it resolves
// every symbolic jump in the emitted instruction stream into a concrete
// eBPF jump offset and flattens the stream (labels and all) into the final
// loadable []ebpf.Insn slice.
//
// Grounded on mna-nenuphar/lang/compiler/asm.go's two-pass index-then-patch
// shape (build an index-to-address table walking the stream once, then
// rewrite every symbolic reference against it in a second pass) and
// spec.md §4.9's exact flattening rule: "for each symbolic jump... overwrite
// the placeholder with the concrete opcode and offset = target_index -
// jump_index - 1. Labels themselves do NOT occupy an instruction slot.
// Two-word instructions... count as two slots for offset math."
package asm

import (
	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/ebpf"
	"github.com/mna/ebpfc/lang/emit"
)

// Assemble flattens elems into the final instruction slice, resolving every
// symbolic JumpTo against the slot position of the label it names.
func Assemble(elems []emit.Elem) ([]ebpf.Insn, error) {
	labelSlot := map[int]int{}
	var flat []emit.Insn

	slot := 0
	for _, el := range elems {
		if el.Label != nil {
			labelSlot[*el.Label] = slot
			continue
		}
		for _, in := range el.Insns {
			flat = append(flat, in)
			slot += in.Slots()
		}
	}

	var errs cerr.List
	out := make([]ebpf.Insn, len(flat))
	slot = 0
	for i, in := range flat {
		resolved := in.Insn
		if in.JumpTo != nil {
			target, ok := labelSlot[*in.JumpTo]
			if !ok {
				errs.Add(cerr.New(cerr.UnsupportedOpcode, 0, "unresolved jump target label %d", *in.JumpTo))
				continue
			}
			off := target - slot - 1
			if off < -(1<<15) || off > (1<<15)-1 {
				errs.Add(cerr.New(cerr.UnsupportedOpcode, 0, "jump offset %d out of range for label %d", off, *in.JumpTo))
				continue
			}
			resolved.Off = int16(off)
		}
		out[i] = resolved
		slot += in.Slots()
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode packs the assembled instructions into the kernel's 8-byte-per-slot
// wire format, concatenating each instruction's (possibly two-slot)
// encoding in order.
func Encode(insns []ebpf.Insn) []byte {
	var buf []byte
	for _, in := range insns {
		buf = append(buf, in.Encode()...)
	}
	return buf
}
