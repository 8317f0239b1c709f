package main

import (
	"os"

	"github.com/jogardn/harvest-orders/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
