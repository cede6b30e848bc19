// Package main is the entry point for the gantry CLI.
// The CLI runs pipelines locally and inspects recorded runs via the daemon API.
package main

import (
	"gantry/cmd/gantry/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
