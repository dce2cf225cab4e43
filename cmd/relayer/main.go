package main

import (
	"os"

	"github.com/scalarorg/fact-relayer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
