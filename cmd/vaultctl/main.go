package main

import (
	"os"

	"vaultkeeper/cmd/vaultctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
