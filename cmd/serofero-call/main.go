package main

import (
	"os"

	"github.com/BHUWON12/serofero-calls/cmd/serofero-call/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
