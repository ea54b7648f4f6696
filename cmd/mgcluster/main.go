package main

import (
	"os"

	"github.com/graphcompute/mgcluster/cmd/mgcluster/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
