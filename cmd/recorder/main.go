package main

import (
	"os"

	"github.com/dkeye/Recorder/cmd/recorder/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
