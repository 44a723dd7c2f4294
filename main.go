package main

import (
	"context"
	"fmt"
	"os"

	"go.olrik.dev/chameleon/cmd"
)

func main() {
	// The host application launches the plugin without arguments
	if len(os.Args) == 1 {
		os.Args = []string{os.Args[0], "start"}
	}

	root := cmd.NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
