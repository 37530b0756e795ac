// Command resolver runs the Verana trust resolver: a service that mirrors
// a Verifiable Public Registry into queryable trust state.
package main

import (
	"fmt"
	"io"
	"os"
)

// Populated via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer()
	}

	switch args[1] {
	case "server":
		return startServer()
	case "sync":
		return runSync(stdout, stderr)
	case "health":
		return runHealth(stdout)
	case "version", "--version", "-v":
		_, _ = fmt.Fprintf(stdout, "verana-trust-resolver %s (commit %s)\n", version, commit)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		_, _ = fmt.Fprintf(stdout, "Unknown command: %s. Defaulting to server...\n", args[1])
		return startServer()
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: resolver <command> [arguments]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  server     Run the resolver (default): polling loop + query API")
	_, _ = fmt.Fprintln(w, "  sync       Run one poll cycle and exit")
	_, _ = fmt.Fprintln(w, "  health     Check readiness of a running resolver")
	_, _ = fmt.Fprintln(w, "  version    Print the build version")
	_, _ = fmt.Fprintln(w, "  help       Show this help")
}
