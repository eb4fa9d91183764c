package main

import (
	"os"

	"github.com/validlab/slotd/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
