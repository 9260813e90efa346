package maincmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mna/ebpfc/internal/progfile"
	"github.com/mna/ebpfc/lang/srcbc"
	"github.com/mna/mainer"
)

func (c *Cmd) Decode(ctx context.Context, stdio mainer.Stdio, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return printError(stdio, err)
	}
	defer f.Close()

	src, err := progfile.Parse(f)
	if err != nil {
		return printError(stdio, err)
	}

	instrs, err := srcbc.Decode(src.Bytecode)
	if err != nil {
		return printError(stdio, err)
	}

	for _, instr := range instrs {
		fmt.Fprintln(stdio.Stdout, instr.String())
	}
	return nil
}
