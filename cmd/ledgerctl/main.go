package main

import (
	"os"

	"github.com/erp/tokenledger/internal/interfaces/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
