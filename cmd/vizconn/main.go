// Package main implements the vizconn command, which keeps a set of named
// connections in step with a configuration source.
package main

import (
	"fmt"
	"os"

	"github.com/rebeliceyang/vizconn/internal/log"
)

var version = "0.1.0"

func main() {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	log.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
