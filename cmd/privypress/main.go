package main

import (
	"os"

	"github.com/dativo-io/privypress/internal/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
