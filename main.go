package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/jkaessens/qmanager/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "qmanager crashed: %v\n", r)
			if os.Getenv("QMANAGER_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
