package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// serveFunc is a variable to allow mocking in tests.
var serveFunc = runServe

// Run is the entrypoint, separated from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to the server.
		return serve(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return serve(stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func serve(stderr io.Writer) int {
	if err := serveFunc(); err != nil {
		_, _ = fmt.Fprintf(stderr, "ippoc: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: ippoc <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the orchestrator server (default)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
}
