// Package main provides the tracelog command line: the HTTP query server,
// the MCP stdio server and one-shot query commands.
package main

import (
	"os"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
