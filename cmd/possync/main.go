package main

import (
	"os"

	"possync/cmd/possync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
