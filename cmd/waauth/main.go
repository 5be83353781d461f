package main

import (
	"os"

	"github.com/talkincode/waauth/cmd/waauth/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
