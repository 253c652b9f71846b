package main

import (
	"os"

	"github.com/solatis/crmrules/cmd/crmrules/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
