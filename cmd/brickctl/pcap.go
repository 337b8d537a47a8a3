package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/brickwire/internal/capture"
)

// pcapRecord is one line of --json output.
type pcapRecord struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Src     string    `json:"src"`
	Dst     string    `json:"dst"`
	Serial  string    `json:"serial,omitempty"`
	Mailbox string    `json:"mailbox,omitempty"`
	Value   string    `json:"value,omitempty"`
}

func newPcapRecord(e capture.Event) pcapRecord {
	r := pcapRecord{
		Time:    e.Time,
		Kind:    e.Kind.String(),
		Src:     e.Src,
		Dst:     e.Dst,
		Serial:  string(e.Serial),
		Mailbox: e.Mailbox,
	}
	switch e.Kind {
	case capture.EventWrite:
		r.Value = e.Message.String()
	case capture.EventReply:
		r.Value = e.Reply.Text
	case capture.EventAccept:
		r.Value = e.Text
	}
	return r
}

func runPcap(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pcap", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Print one JSON object per event and the summary last")
	quiet := fs.Bool("summary", false, "Only print the summary")
	discoveryPort := fs.Int("discovery-port", 0, "UDP port of presence broadcasts (default 3015)")
	connectPort := fs.Int("connect-port", 0, "TCP port of brick sessions (default 5555)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "pcap: expected one capture file")
		return errUsage
	}

	enc := json.NewEncoder(stdout)
	opts := capture.Options{DiscoveryPort: *discoveryPort, ConnectPort: *connectPort}
	sum, err := capture.ReadFile(context.Background(), fs.Arg(0), opts, func(e capture.Event) error {
		switch {
		case *quiet:
			return nil
		case *asJSON:
			return enc.Encode(newPcapRecord(e))
		default:
			_, err := fmt.Fprintln(stdout, e)
			return err
		}
	})
	if err != nil {
		return err
	}

	if *asJSON {
		return enc.Encode(sum)
	}
	fmt.Fprintf(stdout, "%d packets: %d adverts, %d acks, %d handshakes, %d accepts, %d writes, %d reads, %d replies, %d unknown\n",
		sum.Packets, sum.Adverts, sum.Acks, sum.Handshakes, sum.Accepts, sum.Writes, sum.Reads, sum.Replies, sum.Unknown)
	return nil
}
