// Package main is the entry point for the cinesync application.
package main

import (
	"os"

	"github.com/cinesync/cinesync/cmd/cinesync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
