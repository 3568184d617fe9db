// Package main provides the entry point for the mapnotebook CLI.
package main

import (
	"fmt"
	"os"

	"github.com/raphaelgruber/mapnotebook/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
