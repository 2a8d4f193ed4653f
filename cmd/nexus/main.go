package main

import (
	"os"

	"github.com/nexusrun/nexus/internal/cmd"
)

// version is set at link time via -ldflags.
var version = "dev"

func main() {
	os.Exit(cmd.RunWithArgs(os.Args[1:], version))
}
