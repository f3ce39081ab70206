// Package main is the entry point for the Vitalis monitor. It resolves the
// layered configuration, builds the collector pipeline and runs it either
// as a Windows service or as a foreground process.
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
