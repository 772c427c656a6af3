// Package main is the entry point for the boardgen CLI.
// boardctl submits, watches and controls bulk generation runs.
package main

import (
	"os"

	"boardgen/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
