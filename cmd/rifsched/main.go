package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "rifsched:", err)
	}
	os.Exit(cli.ExitCode(err))
}
