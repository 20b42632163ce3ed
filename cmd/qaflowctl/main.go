package main

import (
	"os"

	"github.com/qaflow-labs/qaflow-go/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
