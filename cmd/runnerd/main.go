package main

import (
	"os"

	"github.com/hexbase/runnerd/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
