// Package progfile reads the JSON program document the CLI's decode,
// compile and load subcommands accept: a host runtime hands this compiler
// already-decoded bytecode (spec.md §3's "[DOMAIN] Source instruction set"
// note), so this document is a textual stand-in for that in-memory form,
// not a language front end of its own.
package progfile

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mna/ebpfc/lang/ctxtypes"
	"github.com/mna/ebpfc/lang/mapspec"
	"github.com/mna/ebpfc/lang/program"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/ebpfc/lang/types"
)

// Instr is one textual instruction: Op names a mnemonic srcbc.ParseOpcode
// recognizes, Arg is its raw numeric argument (a jump's target byte
// offset, a load_fast/store_fast slot, a compare_op kind, ...), and Name
// resolves a load_attr/store_attr/load_global/load_deref name reference
// without requiring the caller to pre-build a names table.
type Instr struct {
	Op   string `json:"op"`
	Arg  uint32 `json:"arg"`
	Name string `json:"name,omitempty"`
}

// ConstDoc is one entry of the document's constant pool.
type ConstDoc struct {
	Kind   string `json:"kind"` // "int", "string", "bool", "func", "map"
	Int    int64  `json:"int,omitempty"`
	String string `json:"string,omitempty"`
	Bool   bool   `json:"bool,omitempty"`
	Name   string `json:"name,omitempty"` // func/map name
}

func (c ConstDoc) toConst() (srcbc.Const, error) {
	switch c.Kind {
	case "int":
		return srcbc.IntC(c.Int), nil
	case "string":
		return srcbc.StringC(c.String), nil
	case "bool":
		return srcbc.BoolC(c.Bool), nil
	case "func":
		return srcbc.FuncC(c.Name), nil
	case "map":
		return srcbc.MapC(c.Name), nil
	default:
		return srcbc.Const{}, fmt.Errorf("unknown const kind %q", c.Kind)
	}
}

// MapDoc describes one declared map (spec.md §6.4).
type MapDoc struct {
	Kind       string `json:"kind"` // "hash", "array", "perf_event_array", "stack_trace"
	KeyWidth   int    `json:"key_width,omitempty"`   // bytes, for scalar keys
	KeyArray   int    `json:"key_array,omitempty"`   // element count, for byte-array keys
	ValueWidth int    `json:"value_width,omitempty"` // bytes, for scalar values
	MaxEntries uint32 `json:"max_entries"`
}

func widthType(n int) (*types.Type, error) {
	switch n {
	case 1:
		return types.ScalarType(types.Byte), nil
	case 2:
		return types.ScalarType(types.Half), nil
	case 4:
		return types.ScalarType(types.Word), nil
	case 8:
		return types.ScalarType(types.Quad), nil
	default:
		return nil, fmt.Errorf("unsupported scalar width %d", n)
	}
}

func (m MapDoc) toSpec(name string) (*mapspec.Spec, error) {
	var kind mapspec.Kind
	switch m.Kind {
	case "hash":
		kind = mapspec.Hash
	case "array":
		kind = mapspec.Array
	case "perf_event_array":
		kind = mapspec.PerfEventArray
	case "stack_trace":
		kind = mapspec.StackTrace
	default:
		return nil, fmt.Errorf("map %q: unknown kind %q", name, m.Kind)
	}

	spec := &mapspec.Spec{Name: name, Kind: kind, MaxEntries: m.MaxEntries}

	if m.KeyArray > 0 {
		spec.KeyType = types.ArrayOf(types.ScalarType(types.Byte), m.KeyArray)
	} else if m.KeyWidth > 0 {
		t, err := widthType(m.KeyWidth)
		if err != nil {
			return nil, fmt.Errorf("map %q key: %w", name, err)
		}
		spec.KeyType = t
	}
	if m.ValueWidth > 0 {
		t, err := widthType(m.ValueWidth)
		if err != nil {
			return nil, fmt.Errorf("map %q value: %w", name, err)
		}
		spec.ValueType = t
	}
	return spec, nil
}

// Doc is the full JSON program document.
type Doc struct {
	ProgType string              `json:"prog_type"` // "socket_filter" or "kprobe"
	NumArgs  int                 `json:"num_args"`
	VarNames []string            `json:"var_names,omitempty"`
	Names    []string            `json:"names,omitempty"`
	Consts   []ConstDoc          `json:"consts,omitempty"`
	Code     []Instr             `json:"code"`
	Maps     map[string]MapDoc   `json:"maps,omitempty"`
	Globals  map[string]ConstDoc `json:"globals,omitempty"`

	// KernelHelpers names callables the folder must not constant-fold even
	// when every argument is constant (spec.md §4.4.2). When omitted, the
	// set is empty.
	KernelHelpers []string `json:"kernel_helpers,omitempty"`
}

// Parse reads a JSON program document from r and builds the program.Source
// Compile expects from it.
func Parse(r io.Reader) (*program.Source, error) {
	var doc Doc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode program document: %w", err)
	}

	var progType ctxtypes.ProgType
	switch doc.ProgType {
	case "", "socket_filter":
		progType = ctxtypes.SocketFilter
	case "kprobe":
		progType = ctxtypes.Kprobe
	default:
		return nil, fmt.Errorf("unknown prog_type %q", doc.ProgType)
	}

	code, names, err := encodeCode(doc)
	if err != nil {
		return nil, err
	}

	consts := make([]srcbc.Const, len(doc.Consts))
	for i, c := range doc.Consts {
		v, err := c.toConst()
		if err != nil {
			return nil, fmt.Errorf("const %d: %w", i, err)
		}
		consts[i] = v
	}

	maps := make(map[string]*mapspec.Spec, len(doc.Maps))
	for name, m := range doc.Maps {
		spec, err := m.toSpec(name)
		if err != nil {
			return nil, err
		}
		maps[name] = spec
	}

	globals := make(map[string]srcbc.Const, len(doc.Globals))
	for name, c := range doc.Globals {
		v, err := c.toConst()
		if err != nil {
			return nil, fmt.Errorf("global %q: %w", name, err)
		}
		globals[name] = v
	}

	kernelHelpers := make(map[string]bool, len(doc.KernelHelpers))
	for _, name := range doc.KernelHelpers {
		kernelHelpers[name] = true
	}

	return &program.Source{
		Bytecode: &srcbc.Bytecode{
			Code:     code,
			Names:    names,
			Consts:   consts,
			VarNames: doc.VarNames,
			NumArgs:  doc.NumArgs,
		},
		ProgType:      progType,
		Globals:       globals,
		Maps:          maps,
		KernelHelpers: kernelHelpers,
	}, nil
}

// encodeCode turns the document's textual instructions into the encoded
// byte stream srcbc.Decode accepts, resolving every Instr.Name reference
// into the document's Names table (appending a new entry the first time a
// name is seen, matching a host compiler's co_names convention).
func encodeCode(doc Doc) ([]byte, []string, error) {
	names := append([]string(nil), doc.Names...)
	nameIndex := map[string]int{}
	for i, n := range names {
		nameIndex[n] = i
	}
	resolveName := func(n string) uint32 {
		if i, ok := nameIndex[n]; ok {
			return uint32(i)
		}
		i := len(names)
		names = append(names, n)
		nameIndex[n] = i
		return uint32(i)
	}

	instrs := make([]srcbc.Instruction, len(doc.Code))
	for i, in := range doc.Code {
		op, ok := srcbc.ParseOpcode(in.Op)
		if !ok {
			return nil, nil, fmt.Errorf("instruction %d: unknown opcode %q", i, in.Op)
		}
		arg := in.Arg
		switch op {
		case srcbc.LoadAttr, srcbc.StoreAttr, srcbc.LoadGlobal, srcbc.LoadDeref:
			arg = resolveName(in.Name)
		}
		instrs[i] = srcbc.Instruction{Op: op, Arg: arg}
	}
	return srcbc.Encode(instrs), names, nil
}
