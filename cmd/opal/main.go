// Package main provides the entry point for the Opal CLI.
package main

import (
	"fmt"
	"os"

	"github.com/matteing/opal/cmd/opal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
