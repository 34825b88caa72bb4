package main

import (
	"os"

	"remote-trainer/cmd/trainer/command"
)

func main() {
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
