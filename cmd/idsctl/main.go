package main

import (
	"os"
)

func main() {
	app := &App{}
	cmd := newRootCommand(app)
	cmd.SetArgs(os.Args[1:])
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
