package main

import (
	"os"

	"github.com/iammorganparry/clive/apps/conductor/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
