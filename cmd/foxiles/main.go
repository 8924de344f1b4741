package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, separated from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "protect":
		return runProtectCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "open":
		return runOpenCmd(args[2:], stdout, stderr)
	case "watch":
		return runWatchCmd(args[2:], stdout, stderr)
	case "reissue":
		return runReissueCmd(args[2:], stdout, stderr)
	case "rotate-key":
		return runRotateKeyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "foxiles: payment-gated content containers")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  foxiles <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP API (--config)")
	printCommand(w, "protect", "Encrypt a file into a container (--in, --owner, --kind, --out)")
	printCommand(w, "inspect", "Print a container's metadata (--in)")
	printCommand(w, "open", "Decrypt a container with its key (--in, --key, --out)")
	printCommand(w, "watch", "Watch the ledger for a payment (--reference, --receiver, --amount, --deadline)")
	printCommand(w, "reissue", "Re-encrypt a stored container under a new tracking id (--tracking-id, --owner)")
	printCommand(w, "rotate-key", "Add a new custody master key version")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
