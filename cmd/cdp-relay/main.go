// Package main provides the entry point for the cdp-relay CLI.
package main

import (
	"os"

	"github.com/shaneholloman/cdp-relay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
