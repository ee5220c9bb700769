// Command txmon runs and administers the XA transaction manager.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/txmon/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
