// Package fold implements the constant propagator/folder pass (spec.md
// §4.4): pinning globals and captured cells to constants, folding pure
// arithmetic whose operands are all constant, reinterpreting string
// literals as byte arrays, and pruning constants nobody reads.
package fold

import (
	"github.com/dolthub/swiss"
	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/ssa"
)

// Environment supplies the values a pin-globals-to-consts rewrite needs:
// the defining function's global bindings (with a host-builtins fallback)
// and its captured free-variable bindings.
type Environment struct {
	Globals  map[string]srcbc.Const
	Builtins map[string]srcbc.Const
	Captured map[string]srcbc.Const

	// KernelHelpers names callables that must never be folded even when
	// every argument is constant (spec.md §4.4.2: "Calls whose callee is a
	// kernel-side helper or pseudo-intrinsic are NOT folded").
	KernelHelpers map[string]bool
}

func (e *Environment) lookupGlobal(name string) (srcbc.Const, bool) {
	if v, ok := e.Globals[name]; ok {
		return v, true
	}
	v, ok := e.Builtins[name]
	return v, ok
}

// Fold runs the full constant-propagator/folder pass over ir in place,
// returning the rewritten instruction list.
func Fold(ir []ssa.Instruction, env *Environment) ([]ssa.Instruction, error) {
	ir, err := pinGlobals(ir, env)
	if err != nil {
		return nil, err
	}
	ir = foldConsts(ir)
	ir = reinterpretStrings(ir)
	ir = removeUnreadConsts(ir)
	return ir, nil
}

// pinGlobals rewrites load_global and load_deref to load_const bound to the
// current value of the referenced name.
func pinGlobals(ir []ssa.Instruction, env *Environment) ([]ssa.Instruction, error) {
	var errs cerr.List
	out := make([]ssa.Instruction, len(ir))
	copy(out, ir)

	for i, instr := range out {
		switch instr.Op {
		case srcbc.LoadGlobal:
			name, _ := instr.ArgVal.(string)
			v, ok := env.lookupGlobal(name)
			if !ok {
				errs.Add(cerr.New(cerr.UndefinedName, instr.StartsLine, "global %q has no binding", name))
				continue
			}
			out[i] = toLoadConst(instr, v)
		case srcbc.LoadDeref:
			name, _ := instr.ArgVal.(string)
			v, ok := env.Captured[name]
			if !ok {
				errs.Add(cerr.New(cerr.UndefinedName, instr.StartsLine, "captured name %q has no binding", name))
				continue
			}
			out[i] = toLoadConst(instr, v)
		}
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func toLoadConst(instr ssa.Instruction, v srcbc.Const) ssa.Instruction {
	instr.Op = srcbc.LoadConst
	instr.ArgVal = v
	return instr
}

// constClass is the per-variable classification fold_consts.py computes:
// knownConst means exactly one producer, and it's a load-const; multi means
// more than one producer writes a constant (ambiguous across paths);
// neither means the variable isn't a compile-time constant at all.
type constClass int

const (
	notConst constClass = iota
	knownConst
	multiConst
)

func classify(ir []ssa.Instruction) (class map[ssa.Var]constClass, value map[ssa.Var]srcbc.Const) {
	producers := map[ssa.Var][]srcbc.Const{}
	isConstProducer := map[ssa.Var][]bool{}

	for _, instr := range ir {
		if len(instr.DstVars) == 0 {
			continue
		}
		v := instr.DstVars[0]
		if instr.Op == srcbc.LoadConst {
			c, _ := instr.ArgVal.(srcbc.Const)
			producers[v] = append(producers[v], c)
			isConstProducer[v] = append(isConstProducer[v], true)
		} else {
			isConstProducer[v] = append(isConstProducer[v], false)
		}
	}

	class = map[ssa.Var]constClass{}
	value = map[ssa.Var]srcbc.Const{}
	for v, flags := range isConstProducer {
		allConst := true
		for _, f := range flags {
			if !f {
				allConst = false
				break
			}
		}
		switch {
		case !allConst:
			class[v] = notConst
		case len(flags) == 1:
			class[v] = knownConst
			value[v] = producers[v][0]
		default:
			class[v] = multiConst
		}
	}
	return class, value
}

// foldableOps is the set of operations the folder is allowed to evaluate
// host-side when all of their sources are known constants (spec.md
// §4.4.2). CallFunction is not in it: no call is folded, whatever its
// callee and arguments.
var foldableOps = map[srcbc.Opcode]bool{
	srcbc.BinaryAdd:         true,
	srcbc.BinarySubtract:    true,
	srcbc.BinaryMultiply:    true,
	srcbc.BinaryTrueDivide:  true,
	srcbc.BinaryFloorDivide: true,
}

// foldConsts evaluates pure arithmetic over known constants and promotes
// their results (and the destination variable) to load_const, cascading
// until no further pass makes progress — matching spec.md §8 property 5
// ("running the folder twice is equivalent to running it once": a single
// call here already reaches that fixed point).
func foldConsts(ir []ssa.Instruction) []ssa.Instruction {
	for {
		class, value := classify(ir)
		changed := false
		out := make([]ssa.Instruction, len(ir))
		copy(out, ir)

		for i, instr := range out {
			if instr.Op == srcbc.LoadConst || !foldableOps[instr.Op] {
				continue
			}
			if len(instr.SrcVars) != 2 {
				continue
			}
			right, left := instr.SrcVars[0], instr.SrcVars[1]
			if class[right] != knownConst || class[left] != knownConst {
				continue
			}
			lv, rv := value[left], value[right]
			if lv.Kind != srcbc.IntConst || rv.Kind != srcbc.IntConst {
				continue
			}
			result, ok := evalInt(instr.Op, lv.Int, rv.Int)
			if !ok {
				continue
			}
			out[i] = toLoadConst(instr, srcbc.IntC(result))
			changed = true
		}

		ir = out
		if !changed {
			return ir
		}
	}
}

func evalInt(op srcbc.Opcode, left, right int64) (int64, bool) {
	switch op {
	case srcbc.BinaryAdd:
		return left + right, true
	case srcbc.BinarySubtract:
		return left - right, true
	case srcbc.BinaryMultiply:
		return left * right, true
	case srcbc.BinaryTrueDivide, srcbc.BinaryFloorDivide:
		// Floor-divide and true-divide compile identically (see DESIGN.md's
		// resolution of this spec.md Open Question): both fold via integer
		// division here.
		if right == 0 {
			return 0, false
		}
		return left / right, true
	default:
		return 0, false
	}
}

func reinterpretStrings(ir []ssa.Instruction) []ssa.Instruction {
	out := make([]ssa.Instruction, len(ir))
	copy(out, ir)
	for i, instr := range out {
		if instr.Op != srcbc.LoadConst {
			continue
		}
		c, _ := instr.ArgVal.(srcbc.Const)
		if c.Kind == srcbc.StringConst {
			out[i].ArgVal = srcbc.ByteArrayC(c.Str)
		}
	}
	return out
}

// removeUnreadConsts drops any load_const whose destination variable is
// never read, using a swiss-table set of the read variables (the same
// generic map the teacher's machine package uses for value-keyed lookups,
// here keyed on the dense Var int instead).
func removeUnreadConsts(ir []ssa.Instruction) []ssa.Instruction {
	read := swiss.NewMap[ssa.Var, struct{}](uint32(len(ir)))
	for _, instr := range ir {
		for _, v := range instr.SrcVars {
			read.Put(v, struct{}{})
		}
	}

	out := ir[:0:0]
	for _, instr := range ir {
		if instr.Op == srcbc.LoadConst && len(instr.DstVars) == 1 {
			if _, ok := read.Get(instr.DstVars[0]); !ok {
				continue
			}
		}
		out = append(out, instr)
	}
	return out
}
