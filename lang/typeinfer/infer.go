// Package typeinfer implements the type inferencer pass (spec.md §4.5): a
// destination pass that stamps every variable with a concrete type (and
// rejects inconsistent reassignment), followed by a source pass that
// back-fills every use with the type learned for its producer.
package typeinfer

import (
	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/helpers"
	"github.com/mna/ebpfc/lang/mapspec"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/ssa"
	"github.com/mna/ebpfc/lang/types"
)

// Instruction augments ssa.Instruction with the concrete type of every
// source and destination variable reference.
type Instruction struct {
	ssa.Instruction

	SrcTypes []*types.Type
	DstTypes []*types.Type
}

// Result is the output of Infer: the typed instruction stream plus the
// per-variable and per-named-local type tables later passes consult.
type Result struct {
	Instrs    []Instruction
	VarTypes  map[ssa.Var]*types.Type
	FastTypes map[string]*types.Type
}

// Infer runs both inference passes over ir. argTypes gives the declared
// type of each positional argument, indexed the same way local slot 0..N-1
// does (spec.md's ArgVar convention). maps resolves a MapConst global's
// declared name to its handle layout; it may be nil for programs that
// never reference a map.
func Infer(ir []ssa.Instruction, argTypes []*types.Type, maps map[string]*mapspec.Spec) (*Result, error) {
	var errs cerr.List

	varTypes := map[ssa.Var]*types.Type{}
	varLine := map[ssa.Var]int{}
	fastTypes := map[string]*types.Type{}
	fastLine := map[string]int{}
	funcNames := map[ssa.Var]string{}

	stamp := func(v ssa.Var, t *types.Type, line int) {
		if existing, ok := varTypes[v]; ok {
			if !types.Equal(existing, t) {
				errs.Add(cerr.NewConflict(varLine[v], line, "variable %d previously typed %s, now %s", v, existing, t))
			}
			return
		}
		varTypes[v] = t
		varLine[v] = line
	}

	stampFast := func(name string, t *types.Type, line int) {
		if existing, ok := fastTypes[name]; ok {
			if !types.Equal(existing, t) {
				errs.Add(cerr.NewConflict(fastLine[name], line, "local %q previously typed %s, now %s", name, existing, t))
			}
			return
		}
		fastTypes[name] = t
		fastLine[name] = line
	}

	// destination pass
	for _, instr := range ir {
		line := instr.StartsLine
		switch instr.Op {
		case srcbc.LoadConst:
			c, _ := instr.ArgVal.(srcbc.Const)
			if c.Kind == srcbc.FuncConst {
				funcNames[instr.DstVars[0]] = c.Str
				continue
			}
			if c.Kind == srcbc.MapConst {
				spec, ok := maps[c.Str]
				if !ok {
					errs.Add(cerr.New(cerr.UndefinedName, line, "map %q is not registered", c.Str))
					continue
				}
				stamp(instr.DstVars[0], spec.HandleType(), line)
				continue
			}
			stamp(instr.DstVars[0], constType(c), line)

		case srcbc.LoadFast:
			if int(instr.Arg) < len(argTypes) {
				// Argument slots arrive pre-typed in registers; there is no
				// preceding store_fast to learn from.
				stamp(instr.DstVars[0], types.Widen(argTypes[instr.Arg]), line)
				continue
			}
			name, _ := instr.ArgVal.(string)
			t, ok := fastTypes[name]
			if !ok {
				errs.Add(cerr.New(cerr.UndefinedName, line, "local %q read before any store", name))
				continue
			}
			stamp(instr.DstVars[0], types.Widen(t), line)

		case srcbc.StoreFast:
			name, _ := instr.ArgVal.(string)
			srcType := varTypes[instr.SrcVars[0]]
			stampFast(name, srcType, line)

		case srcbc.BinaryAdd, srcbc.BinarySubtract, srcbc.BinaryMultiply,
			srcbc.BinaryTrueDivide, srcbc.BinaryFloorDivide, srcbc.BinaryModulo,
			srcbc.BinaryAnd, srcbc.BinaryOr, srcbc.BinaryXor,
			srcbc.BinaryLShift, srcbc.BinaryRShift, srcbc.InplaceAdd:
			stamp(instr.DstVars[0], types.ScalarType(types.Quad), line)

		case srcbc.CompareOp:
			stamp(instr.DstVars[0], types.ScalarType(types.Quad), line)

		case srcbc.LoadAttr:
			objType := varTypes[instr.SrcVars[0]]
			field, ft, err := fieldType(objType, instr.ArgVal.(string), line)
			if err != nil {
				errs.Add(err)
				continue
			}
			_ = field
			stamp(instr.DstVars[0], ft, line)

		case srcbc.BinarySubscr:
			// src_vars[0] = index, src_vars[1] = object, per ssa's pop-order.
			objType := varTypes[instr.SrcVars[1]]
			ft, err := subscrType(objType, line)
			if err != nil {
				errs.Add(err)
				continue
			}
			stamp(instr.DstVars[0], ft, line)

		case srcbc.CallFunction:
			callee, _ := ssa.CallOperands(instr.SrcVars)
			name := funcNames[callee]
			ret := types.ScalarType(types.Quad)
			if f, ok := helpers.Lookup(name); ok && f.Return != nil {
				ret = f.Return
			} else if !ok {
				errs.Add(cerr.New(cerr.UndefinedName, line, "call to unrecognized helper %q", name))
			}
			if len(instr.DstVars) == 1 {
				stamp(instr.DstVars[0], ret, line)
			}
		}
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}

	// source pass: back-fill every use with its producer's type.
	out := make([]Instruction, len(ir))
	for i, instr := range ir {
		ti := Instruction{Instruction: instr}
		for _, v := range instr.SrcVars {
			ti.SrcTypes = append(ti.SrcTypes, varTypes[v])
		}
		for _, v := range instr.DstVars {
			ti.DstTypes = append(ti.DstTypes, varTypes[v])
		}
		out[i] = ti
	}

	return &Result{Instrs: out, VarTypes: varTypes, FastTypes: fastTypes}, nil
}

func constType(c srcbc.Const) *types.Type {
	switch c.Kind {
	case srcbc.IntConst, srcbc.BoolConst:
		return types.ScalarType(types.Quad)
	case srcbc.ByteArrayConst:
		return types.ArrayOf(types.ScalarType(types.Byte), len(c.Bytes))
	default:
		return types.ScalarType(types.Quad)
	}
}

// fieldType resolves a load-attr on an aggregate (or pointer-to-aggregate)
// type, honoring a field's dest_type_overrides promotion.
func fieldType(objType *types.Type, name string, line int) (types.Field, *types.Type, error) {
	agg := objType
	if agg != nil && agg.Kind == types.Pointer {
		agg = agg.Pointee
	}
	if agg == nil || agg.Kind != types.Aggregate {
		return types.Field{}, nil, cerr.New(cerr.UndefinedName, line, "attribute %q on non-aggregate type %s", name, objType)
	}
	field, ok := agg.FieldByName(name)
	if !ok {
		return types.Field{}, nil, cerr.New(cerr.UndefinedName, line, "no field %q on %s", name, agg)
	}
	if field.OverrideType != nil {
		return field, field.OverrideType, nil
	}
	if field.Type.Kind == types.Scalar {
		return field, field.Type, nil
	}
	return field, types.Widen(field.Type), nil
}

func subscrType(objType *types.Type, line int) (*types.Type, error) {
	t := objType
	if t != nil && t.Kind == types.Pointer && t.PointeeKind == types.PointeeArray {
		t = t.Pointee
	}
	switch {
	case t != nil && t.Kind == types.Array:
		return t.Elem, nil
	case t != nil && t.Kind == types.MapHandle:
		return types.Widen(t.MapValueType), nil
	default:
		return nil, cerr.New(cerr.UndefinedName, line, "subscript on non-array, non-map type %s", objType)
	}
}
