package main

import (
	"fmt"
	"os"

	"github.com/pilosa/elt"
	"github.com/pilosa/elt/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if elt.IsConfigErr(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
