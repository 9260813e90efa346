// Package label implements the label inserter pass (spec.md §4.7): it
// scans the placed instruction stream and, at every offset that some
// forward jump targets, emits a synthetic label before the first remaining
// instruction at or after that offset (or at the end of the stream),
// de-duplicating consecutive labels the way _labels.py's min-heap-based
// insertion does.
package label

import (
	"container/heap"

	"github.com/mna/ebpfc/lang/mem"
	"github.com/mna/ebpfc/lang/srcbc"
)

// Label is a synthetic branch target. It does not occupy an instruction
// slot (spec.md §4.9); the assembler resolves a jump's symbolic target by
// finding the absolute index of the first real instruction following the
// Label with a matching ID.
type Label struct {
	ID     int
	Offset int
}

// Elem is either a Label marker or a placed instruction, preserving order.
type Elem struct {
	Label *Label
	Instr *mem.Instruction
}

type offsetHeap []int

func (h offsetHeap) Len() int            { return len(h) }
func (h offsetHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h offsetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *offsetHeap) Push(x any)         { *h = append(*h, x.(int)) }
func (h *offsetHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Insert runs the label inserter pass, returning instrs interleaved with
// synthetic Label markers at every jump target offset.
func Insert(instrs []mem.Instruction) []Elem {
	h := &offsetHeap{}
	heap.Init(h)
	for _, instr := range instrs {
		switch instr.Op {
		case srcbc.JumpForward, srcbc.PopJumpIfTrue, srcbc.PopJumpIfFalse:
			heap.Push(h, int(instr.Arg))
		}
	}

	nextID := 0
	out := make([]Elem, 0, len(instrs)+h.Len())
	popLabel := func() {
		off := heap.Pop(h).(int)
		for h.Len() > 0 && (*h)[0] == off {
			heap.Pop(h)
		}
		out = append(out, Elem{Label: &Label{ID: nextID, Offset: off}})
		nextID++
	}
	for i := range instrs {
		instr := &instrs[i]
		// Emit one label per distinct jump target offset at or before this
		// instruction's offset; a target whose own instruction was dropped by
		// an earlier pass (a load_const lifted by the memory placer) lands on
		// the next instruction that remains.
		for h.Len() > 0 && (*h)[0] <= instr.Offset {
			popLabel()
		}
		out = append(out, Elem{Instr: instr})
	}
	// Targets past the last remaining instruction get trailing labels.
	for h.Len() > 0 {
		popLabel()
	}
	return out
}
