package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/brickwire/internal/config"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/link"
	"github.com/banshee-data/brickwire/internal/telemetry"
)

const replHelp = `Commands:
  send <text>               Write text to the command mailbox
  sendto <mailbox> <text>   Write text to any mailbox
  float <mailbox> <value>   Write a number to a mailbox
  recv [mailbox]            Read a mailbox (default: telemetry mailbox)
  wait [mailbox] [timeout]  Poll a mailbox until it holds a value
  connect [serial]          Connect to a brick, staying simulated on failure
  disconnect                Return to the simulator
  status                    Show the link mode and counters
  help                      Show this help
  quit                      Leave`

// replInput is swapped by tests.
var replInput io.Reader = os.Stdin

func runRepl(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)
	var lf linkFlags
	lf.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if lf.daemon != "" {
		fmt.Fprintln(os.Stderr, "repl: --daemon is not supported, the repl drives a local link")
		return errUsage
	}

	ctx := context.Background()
	l, cfg, err := lf.open(ctx, stdout)
	if err != nil {
		return err
	}
	defer l.Close()

	le := newLineEditor(replInput, stdout)
	defer le.Close()
	if le.interactive() {
		fmt.Fprintf(stdout, "brickctl repl (%s). Type help for commands.\n", l.Mode())
	}
	r := &repl{link: l, cfg: cfg, out: stdout, connectTimeout: cfg.GetDiscoveryTimeout() + cfg.GetConnectTimeout() + cfg.GetHandshakeTimeout()}
	return r.run(ctx, le)
}

type repl struct {
	link           *link.Link
	cfg            *config.LinkConfig
	out            io.Writer
	connectTimeout time.Duration
}

var errQuit = errors.New("quit")

func (r *repl) prompt() string {
	if r.link.Simulating() {
		return "sim> "
	}
	return "ev3> "
}

func (r *repl) run(ctx context.Context, le *lineEditor) error {
	for {
		line, err := le.line(r.prompt())
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	rest := func(from int) string { return strings.Join(fields[from:], " ") }

	switch name {
	case "send":
		if len(args) == 0 {
			return errors.New("usage: send <text>")
		}
		return r.write(ev3.Text(rest(1)), r.cfg.GetCommandMailbox())
	case "sendto":
		if len(args) < 2 {
			return errors.New("usage: sendto <mailbox> <text>")
		}
		return r.write(ev3.Text(rest(2)), args[0])
	case "float":
		if len(args) != 2 {
			return errors.New("usage: float <mailbox> <value>")
		}
		v, err := strconv.ParseFloat(args[1], 32)
		if err != nil {
			return fmt.Errorf("%q is not a number", args[1])
		}
		return r.write(ev3.Float(float32(v)), args[0])
	case "recv":
		mb := r.cfg.GetTelemetryMailbox()
		if len(args) > 0 {
			mb = args[0]
		}
		fmt.Fprintf(r.out, "%q\n", r.link.Receive(mb))
		return nil
	case "wait":
		mb, timeout := r.cfg.GetTelemetryMailbox(), 2*time.Second
		for _, a := range args {
			if d, err := time.ParseDuration(a); err == nil {
				timeout = d
			} else {
				mb = a
			}
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := r.link.Poll(wctx, mb, r.cfg.GetTickInterval(), link.NonEmpty)
		if err != nil {
			return fmt.Errorf("nothing in %s after %s", mb, timeout)
		}
		fmt.Fprintf(r.out, "%q\n", v)
		return nil
	case "connect":
		serial := ""
		if len(args) > 0 {
			serial = args[0]
		}
		cctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
		if err := r.link.ConnectErr(cctx, serial, ""); err != nil {
			return fmt.Errorf("connect failed, still simulating: %w", err)
		}
		st := r.link.Status()
		fmt.Fprintf(r.out, "connected to %s %s\n", st.Serial, st.Endpoint)
		return nil
	case "disconnect":
		r.link.Disconnect()
		fmt.Fprintf(r.out, "%s (epoch %d)\n", r.link.Mode(), r.link.Epoch())
		return nil
	case "status":
		st := r.link.Status()
		fmt.Fprintf(r.out, "mode %s epoch %d", st.Mode, st.Epoch)
		if st.Serial != "" {
			fmt.Fprintf(r.out, " brick %s %s", st.Serial, st.Endpoint)
		}
		if s := st.Session; s != nil {
			fmt.Fprintf(r.out, " sent %d frames %d", s.Sent, s.Frames)
		}
		if s := st.Sim; s != nil {
			fmt.Fprintf(r.out, " sim %q", telemetry.FormatMotion(s.Motion()))
		}
		fmt.Fprintln(r.out)
		return nil
	case "help", "?":
		fmt.Fprintln(r.out, replHelp)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", name)
	}
}

func (r *repl) write(p ev3.Payload, mailbox string) error {
	if err := r.link.Send(p, mailbox); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "-> %s %s %q\n", mailbox, p.Kind, p.String())
	return nil
}
