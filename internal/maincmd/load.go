package maincmd

import (
	"context"
	"fmt"

	"github.com/mna/ebpfc/lang/program"
	"github.com/mna/mainer"
)

func (c *Cmd) Load(ctx context.Context, stdio mainer.Stdio, args []string) error {
	out, err := compileFile(args[0], stdio)
	if err != nil {
		return printError(stdio, err)
	}

	fd, err := program.Load(out)
	if err != nil {
		return printError(stdio, err)
	}

	fmt.Fprintf(stdio.Stdout, "loaded program, fd=%d\n", fd)
	return nil
}
