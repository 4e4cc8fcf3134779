// Package main is the entry point for the snapvault application
package main

import (
	"github.com/ethpandaops/snapvault/cmd"
)

func main() {
	cmd.Execute()
}
