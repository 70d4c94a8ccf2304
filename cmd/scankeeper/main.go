package main

import (
	"os"

	"github.com/solatis/scankeeper/cmd/scankeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
