package main

import (
	"os"

	"github.com/awnumar/memguard"
	"southwinds.dev/dpapi/cli/cmd"
)

func main() {
	memguard.CatchInterrupt()

	err := cmd.Execute()
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}
