package main

import (
	"os"

	"github.com/jzx17/goretry/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
