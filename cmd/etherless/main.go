// Command etherless publishes, invokes and removes serverless functions paid
// for on the Etherless contracts.
package main

import (
	"fmt"
	"io"
	"os"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code: 0 on
// success, 1 when the operation failed, 2 on bad usage or configuration.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "publish":
		return runPublishCmd(args[2:], stdout, stderr)
	case "invoke", "run":
		return runInvokeCmd(args[2:], stdout, stderr)
	case "remove", "delete":
		return runRemoveCmd(args[2:], stdout, stderr)
	case "info":
		return runInfoCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "etherless %s (%s)\n", version, commit)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: etherless <command> [flags]")
	_, _ = fmt.Fprintln(w)
	printSection(w, "Functions:")
	printCommand(w, "publish", "Pay the publish fee and upload a function archive")
	printCommand(w, "invoke", "Run a published function and print its result")
	printCommand(w, "remove", "Delete a function you own")
	printCommand(w, "info", "Show the on-chain record of a function")
	_, _ = fmt.Fprintln(w)
	printSection(w, "Other:")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Every command accepts -config <file.yaml> and -json.")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, title)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
