package maincmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/mna/ebpfc/internal/progfile"
	"github.com/mna/ebpfc/lang/asm"
	"github.com/mna/ebpfc/lang/program"
	"github.com/mna/mainer"
)

func (c *Cmd) Compile(ctx context.Context, stdio mainer.Stdio, args []string) error {
	out, err := compileFile(args[0], stdio)
	if err != nil {
		return printError(stdio, err)
	}

	buf := asm.Encode(out.Insns)
	if c.Output != "" {
		if err := os.WriteFile(c.Output, buf, 0o644); err != nil {
			return printError(stdio, err)
		}
		return nil
	}

	fmt.Fprintln(stdio.Stdout, hex.EncodeToString(buf))
	return nil
}

func compileFile(path string, stdio mainer.Stdio) (*program.Compiled, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, err := progfile.Parse(f)
	if err != nil {
		return nil, err
	}
	src.Log = program.NewLogger(stdio.Stderr)
	return program.Compile(src)
}
