package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/version"
)

// errUsage marks a bad invocation; the usage text has already been printed.
var errUsage = errors.New("usage")

var verbose = flag.Bool("v", false, "Log link and protocol diagnostics to stderr")

type command struct {
	name  string
	brief string
	run   func(args []string, stdout io.Writer) error
}

var commands = []command{
	{"discover", "Wait for a brick presence broadcast and print it", runDiscover},
	{"send", "Send one mailbox message", runSend},
	{"receive", "Read the latest telemetry from a mailbox", runReceive},
	{"repl", "Interactive session with a brick or the simulator", runRepl},
	{"sim", "Step the simulator through one command", runSim},
	{"emulate", "Serve a virtual brick on the network", runEmulate},
	{"pcap", "Decode brick traffic from a pcap or pcapng file", runPcap},
	{"status", "Show the status of a running brickd", runStatus},
	{"tasks", "List, queue or clear brickd control loop tasks", runTasks},
	{"version", "Show the brickctl version", runVersion},
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if !*verbose {
		monitoring.SetLogger(nil)
	} else {
		monitoring.SetDebug(true)
	}

	if err := dispatch(flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "brickctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func dispatch(name string, args []string, stdout io.Writer) error {
	if name == "help" {
		printUsage(stdout)
		return nil
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(args, stdout)
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage(os.Stderr)
	return errUsage
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `brickctl - operator tool for EV3 bricks and brickd

Usage: brickctl [-v] <command> [options]

Commands:`)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.brief)
	}
	fmt.Fprintln(w, `  help       Show this help message

Run 'brickctl <command> -h' for the options of a command.

Examples:
  # Find bricks on the local network
  brickctl discover --timeout 30s

  # Drive the brick, falling back to the simulator when none answers
  brickctl send --connect "Move 0 10 30"
  brickctl receive --connect --wait 2s

  # Queue tasks on a running daemon
  brickctl tasks --daemon http://localhost:8080 "Turn 30 90" "Move 0 20 30"`)
}

func runVersion(args []string, stdout io.Writer) error {
	fmt.Fprintln(stdout, version.String("brickctl"))
	return nil
}

// parseFlags parses args, mapping -h and bad flags to errUsage.
func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}
