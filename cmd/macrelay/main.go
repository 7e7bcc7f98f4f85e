// Package main is the entry point for the macrelay application.
package main

import (
	"os"

	"github.com/macrelay/macrelay/cmd/macrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
