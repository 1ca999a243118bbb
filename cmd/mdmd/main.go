package main

import (
	"os"

	"mdmd.sh/cmd/mdmd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
