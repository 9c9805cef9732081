// Package main is the entry point for the hardshare CLI and agent.
package main

import (
	"os"
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	Version = version
	Commit = commit
	BuildTime = buildTime

	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
