package main

import (
	"os"

	"github.com/scrypster/engram/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
