// Package main provides key material and diagnostics for operating the identity service.
package main

import (
	"os"

	"github.com/tendant/simple-identity/cmd/keygen/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
