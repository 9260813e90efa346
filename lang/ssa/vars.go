// Package ssa replaces the implicit operand stack of the decoded
// instruction stream with explicit, SSA-like named variables shared across
// joining control-flow paths: the variable assigner of the pipeline
// (spec.md §4.3).
package ssa

import (
	"sort"

	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/trace"
	"golang.org/x/exp/maps"
)

// Var is a symbolic operand identified by a dense integer key. Equality and
// hashing key on the integer alone, so a type can be learned for it later
// (by the typeinfer pass) without rekeying.
type Var int

// Instruction is the three-address form: a decoded instruction plus the
// variables it reads from and writes to, in pop/push order (index 0 is
// whichever operand was on top of the operand stack; for CallFunction the
// callee comes last — see CallOperands).
type Instruction struct {
	srcbc.Instruction

	SrcVars []Var
	DstVars []Var
}

// Assign runs the variable assigner: it simulates the operand stack along
// every path the trace package discovers, unifies producer instructions
// that can reach the same consumer slot from different paths into a single
// Var, and returns the three-address IR with stack-manipulation opcodes
// dropped (their effect is entirely captured in the variable assignments).
func Assign(instrs []srcbc.Instruction) ([]Instruction, error) {
	paths, err := trace.Paths(instrs)
	if err != nil {
		return nil, err
	}

	uf := newUnionFind()
	type consumerKey struct {
		instrIdx int
		popPos   int
	}
	consumers := map[consumerKey]map[int]bool{}

	for _, path := range paths {
		var stack []int // producer instruction indices, top = last element
		for _, idx := range path {
			instr := instrs[idx]
			pops, pushes := srcbc.StackEffect(instr.Op, instr.Arg)

			switch instr.Op {
			case srcbc.PopTop:
				stack = stack[:len(stack)-1]
				continue
			case srcbc.DupTop:
				stack = append(stack, stack[len(stack)-1])
				continue
			case srcbc.DupTopTwo:
				a, b := stack[len(stack)-2], stack[len(stack)-1]
				stack = append(stack, a, b)
				continue
			case srcbc.RotTwo:
				n := len(stack)
				stack[n-1], stack[n-2] = stack[n-2], stack[n-1]
				continue
			case srcbc.RotThree:
				n := len(stack)
				// [a b c] -> [c a b]: the top is lifted under the other two.
				c := stack[n-1]
				stack[n-1] = stack[n-2]
				stack[n-2] = stack[n-3]
				stack[n-3] = c
				continue
			}

			for i := 0; i < pops; i++ {
				producer := stack[len(stack)-1-i]
				key := consumerKey{idx, i}
				if consumers[key] == nil {
					consumers[key] = map[int]bool{}
				}
				consumers[key][producer] = true
				uf.add(producer)
			}
			stack = stack[:len(stack)-pops]

			if pushes > 0 {
				uf.add(idx)
				stack = append(stack, idx)
			}
		}
	}

	// Any consumer slot fed by more than one distinct producer (across
	// different paths) unifies those producers into a single variable.
	for _, prodSet := range consumers {
		var first int
		have := false
		for p := range prodSet {
			if !have {
				first, have = p, true
				continue
			}
			uf.union(first, p)
		}
	}

	// Assign dense Var ids in producer-offset order for determinism.
	roots := map[int]bool{}
	for p := range uf.parent {
		roots[uf.find(p)] = true
	}
	rootList := maps.Keys(roots)
	sort.Slice(rootList, func(i, j int) bool {
		return instrs[minProducerOffset(uf, rootList[i], instrs)].Offset < instrs[minProducerOffset(uf, rootList[j], instrs)].Offset
	})

	varOf := map[int]Var{}
	for i, r := range rootList {
		for p := range uf.parent {
			if uf.find(p) == r {
				varOf[p] = Var(i)
			}
		}
	}

	out := make([]Instruction, 0, len(instrs))
	for idx, instr := range instrs {
		switch instr.Op {
		case srcbc.PopTop, srcbc.DupTop, srcbc.DupTopTwo, srcbc.RotTwo, srcbc.RotThree:
			continue
		}

		pops, pushes := srcbc.StackEffect(instr.Op, instr.Arg)
		ir := Instruction{Instruction: instr}
		for i := 0; i < pops; i++ {
			key := consumerKey{idx, i}
			for p := range consumers[key] {
				ir.SrcVars = append(ir.SrcVars, varOf[p])
				break
			}
		}
		if pushes > 0 {
			ir.DstVars = append(ir.DstVars, varOf[idx])
		}
		out = append(out, ir)
	}

	return out, nil
}

func minProducerOffset(uf *unionFind, root int, instrs []srcbc.Instruction) int {
	best := -1
	for p := range uf.parent {
		if uf.find(p) == root {
			if best == -1 || instrs[p].Offset < instrs[best].Offset {
				best = p
			}
		}
	}
	return best
}

// CallOperands splits a CallFunction instruction's SrcVars (recorded in
// pop order, i.e. reversed relative to push order) back into the callee
// and its arguments in left-to-right call order.
func CallOperands(srcVars []Var) (callee Var, args []Var) {
	n := len(srcVars)
	args = make([]Var, n-1)
	for i, v := range srcVars {
		if i == n-1 {
			callee = v
			continue
		}
		args[n-2-i] = v
	}
	return callee, args
}

type unionFind struct {
	parent map[int]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[int]int{}}
}

func (u *unionFind) add(x int) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x int) int {
	u.add(x)
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
