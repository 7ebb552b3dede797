package main

import (
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint used by tests and main alike.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServerCmd(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServerCmd(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = io.WriteString(w, `kernel: the platform's trust root — signed audit ledger, canonical signing, manifest-gated upgrades.

Usage:
  kernel [server|serve]   run the HTTP server (default)
  kernel verify           replay and verify the audit chain offline
  kernel doctor           run local environment checks
  kernel health           check a running server's /health endpoint
  kernel help             show this message
`)
}
