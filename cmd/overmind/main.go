package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/harrison/overmind/internal/cmd"
)

// Exit codes: 0 success, 1 run failure, 2 configuration error.
func main() {
	root := cmd.NewRootCommand()
	root.SetArgs(cmd.NormalizeArgs(os.Args[1:]))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, cmd.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
