// Package main is the entry point for the loomclaw CLI.
package main

import (
	"os"

	"github.com/LoomClaw/LoomClaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
