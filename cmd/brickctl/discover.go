package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/banshee-data/brickwire/internal/brick"
)

func runDiscover(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	var lf linkFlags
	fs.StringVar(&lf.config, "config", "", "Path to a JSON config file")
	timeout := fs.Duration("timeout", 0, "How long to listen (default: discovery_timeout)")
	port := fs.Int("port", 0, "UDP port to listen on (default: discovery_port)")
	serial := fs.String("serial", "", "Only accept the brick with this serial number")
	address := fs.String("address", "", "Only accept the brick at this IP address")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := lf.loadConfig()
	if err != nil {
		return err
	}

	dc := cfg.DialConfig().Discovery
	if *timeout > 0 {
		dc.Timeout = *timeout
	}
	if *port > 0 {
		dc.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return discover(ctx, dc, brick.Filter{Serial: brick.SerialNumber(*serial), Address: *address}, stdout)
}

func discover(ctx context.Context, dc brick.DiscoveryConfig, f brick.Filter, stdout io.Writer) error {
	start := time.Now()
	ep, serial, err := brick.NewNegotiator(dc).Discover(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "found %s serial %s after %s\n", ep, serial, time.Since(start).Round(time.Millisecond))
	return nil
}
