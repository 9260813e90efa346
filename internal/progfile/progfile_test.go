package progfile_test

import (
	"strings"
	"testing"

	"github.com/mna/ebpfc/internal/progfile"
	"github.com/mna/ebpfc/lang/program"
	"github.com/stretchr/testify/require"
)

const returnZeroDoc = `{
	"prog_type": "socket_filter",
	"num_args": 1,
	"var_names": ["ctx"],
	"consts": [{"kind": "int", "int": 0}],
	"code": [
		{"op": "load_const", "arg": 0},
		{"op": "return_value"}
	]
}`

func TestParseReturnZero(t *testing.T) {
	src, err := progfile.Parse(strings.NewReader(returnZeroDoc))
	require.NoError(t, err)
	require.Equal(t, 1, src.Bytecode.NumArgs)

	out, err := program.Compile(src)
	require.NoError(t, err)
	require.NotEmpty(t, out.Insns)
}

func TestParseMapIncrementDoc(t *testing.T) {
	doc := `{
		"prog_type": "socket_filter",
		"num_args": 1,
		"var_names": ["ctx", "k"],
		"names": ["len"],
		"consts": [
			{"kind": "map", "name": "counters"},
			{"kind": "int", "int": 1}
		],
		"maps": {
			"counters": {"kind": "hash", "key_width": 4, "value_width": 8, "max_entries": 1024}
		},
		"code": [
			{"op": "load_fast", "arg": 1},
			{"op": "load_const", "arg": 0},
			{"op": "binary_subscr"},
			{"op": "load_const", "arg": 1},
			{"op": "binary_add"},
			{"op": "load_const", "arg": 0},
			{"op": "load_fast", "arg": 1},
			{"op": "store_subscr"},
			{"op": "load_const", "arg": 1},
			{"op": "return_value"}
		]
	}`

	src, err := progfile.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, src.Maps, 1)
	require.Contains(t, src.Maps, "counters")
	require.Equal(t, uint32(1024), src.Maps["counters"].MaxEntries)
}

func TestParseRejectsUnknownOpcode(t *testing.T) {
	doc := `{"prog_type": "socket_filter", "num_args": 1, "code": [{"op": "not_an_op"}]}`
	_, err := progfile.Parse(strings.NewReader(doc))
	require.Error(t, err)
}

func TestParseRejectsUnknownProgType(t *testing.T) {
	doc := `{"prog_type": "weird", "code": []}`
	_, err := progfile.Parse(strings.NewReader(doc))
	require.Error(t, err)
}
