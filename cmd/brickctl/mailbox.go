package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/brickwire/internal/api"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/link"
)

// flushWait bounds how long a one-shot send waits for the frame to leave.
const flushWait = time.Second

func parsePayload(kind, message string) (ev3.Payload, error) {
	switch strings.ToLower(kind) {
	case "", "text":
		return ev3.Text(message), nil
	case "float":
		v, err := strconv.ParseFloat(strings.TrimSpace(message), 32)
		if err != nil {
			return ev3.Payload{}, fmt.Errorf("message %q is not a number", message)
		}
		return ev3.Float(float32(v)), nil
	default:
		return ev3.Payload{}, fmt.Errorf("kind must be text or float, got %q", kind)
	}
}

func runSend(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var lf linkFlags
	lf.register(fs)
	mailbox := fs.String("mailbox", "", "Mailbox to write (default: command_mailbox)")
	kind := fs.String("kind", "text", "Payload kind: text or float")
	return sendWith(fs, &lf, mailbox, kind, args, stdout)
}

func sendWith(fs *flag.FlagSet, lf *linkFlags, mailbox, kind *string, args []string, stdout io.Writer) error {
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "send: missing message")
		return errUsage
	}
	message := strings.Join(fs.Args(), " ")

	if lf.daemon != "" {
		var resp api.SendResponse
		req := api.SendRequest{Mailbox: *mailbox, Message: message, Kind: *kind}
		if err := daemonClient(lf.daemon).PostJSON("/api/send", req, &resp); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "sent %s %q to mailbox %s (%s)\n", resp.Kind, resp.Payload, resp.Mailbox, resp.Mode)
		return nil
	}

	p, err := parsePayload(*kind, message)
	if err != nil {
		return err
	}
	l, cfg, err := lf.open(context.Background(), stdout)
	if err != nil {
		return err
	}
	defer l.Close()

	mb := *mailbox
	if mb == "" {
		mb = cfg.GetCommandMailbox()
	}
	if err := l.Send(p, mb); err != nil {
		return err
	}
	waitSent(l, 1)
	fmt.Fprintf(stdout, "sent %s %q to mailbox %s (%s)\n", p.Kind, p.String(), mb, l.Mode())
	return nil
}

// waitSent gives a physical session time to write n queued frames before the
// link is closed.
func waitSent(l *link.Link, n uint64) {
	deadline := time.Now().Add(flushWait)
	for time.Now().Before(deadline) {
		st := l.Status()
		if st.Session == nil || st.Session.Sent >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func runReceive(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("receive", flag.ContinueOnError)
	var lf linkFlags
	lf.register(fs)
	mailbox := fs.String("mailbox", "", "Mailbox to read (default: telemetry_mailbox)")
	wait := fs.Duration("wait", 2*time.Second, "How long to wait for a non-empty value; 0 reads once")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if lf.daemon != "" {
		q := url.Values{}
		if *mailbox != "" {
			q.Set("mailbox", *mailbox)
		}
		if *wait > 0 {
			q.Set("wait", wait.String())
		}
		path := "/api/receive"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var resp api.ReceiveResponse
		if err := daemonClient(lf.daemon).GetJSON(path, &resp); err != nil {
			return err
		}
		fmt.Fprintln(stdout, resp.Value)
		return nil
	}

	l, cfg, err := lf.open(context.Background(), stdout)
	if err != nil {
		return err
	}
	defer l.Close()

	mb := *mailbox
	if mb == "" {
		mb = cfg.GetTelemetryMailbox()
	}
	if *wait <= 0 {
		fmt.Fprintln(stdout, l.Receive(mb))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	value, err := l.Poll(ctx, mb, cfg.GetTickInterval(), link.NonEmpty)
	if err != nil {
		return fmt.Errorf("no value in mailbox %s after %s: %w", mb, *wait, err)
	}
	fmt.Fprintln(stdout, value)
	return nil
}
