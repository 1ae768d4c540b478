package main

import (
	"os"

	"github.com/majorcontext/guestpull/cmd/guestpull/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
