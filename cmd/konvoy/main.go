package main

import (
	"os"

	"github.com/arncore/konvoy/internal/cmd"
)

const version = "0.1.0"

func main() {
	os.Exit(cmd.RunWithArgs(os.Args[1:], version))
}
