// Command imshostctl is an interactive CLI for the Connection Core, in
// the spirit of the teacher's host/cmd/gopper-host REPL but built on
// cobra subcommands instead of a bare flag+bufio loop.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

var (
	devicePath    string
	transportKind string
	verbose       bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
