package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/emulator"
	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

type emulateOptions struct {
	listen    string
	broadcast string
	interval  time.Duration
	serial    string
	name      string
	project   string
}

func runEmulate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("emulate", flag.ContinueOnError)
	var lf linkFlags
	fs.StringVar(&lf.config, "config", "", "Path to a JSON config file")
	var opts emulateOptions
	fs.StringVar(&opts.listen, "listen", ":5555", "TCP address to accept brick sessions on")
	fs.StringVar(&opts.broadcast, "broadcast", "255.255.255.255:3015", "Where to send presence broadcasts; empty disables them")
	fs.DurationVar(&opts.interval, "interval", emulator.DefaultBroadcastInterval, "Presence broadcast period")
	fs.StringVar(&opts.serial, "serial", "", "Serial number to advertise")
	fs.StringVar(&opts.name, "name", "", "Brick name to advertise")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := lf.loadConfig()
	if err != nil {
		return err
	}
	opts.project = cfg.GetProject()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	robot := sim.New(cfg.SimConfig(), timeutil.RealClock{})
	return emulate(ctx, opts, robot, brick.RealUDPSocketFactory{}, stdout)
}

// emulate serves one virtual brick backed by robot until ctx ends.
func emulate(ctx context.Context, opts emulateOptions, robot emulator.Robot, sockets brick.UDPSocketFactory, stdout io.Writer) error {
	em := emulator.New(emulator.Config{
		Serial:  brick.SerialNumber(opts.serial),
		Name:    opts.name,
		Project: opts.project,
		Robot:   robot,
	})
	if err := em.Listen(opts.listen); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.listen, err)
	}
	fmt.Fprintf(stdout, "emulating brick on %s\n", em.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if opts.broadcast != "" {
		dst, err := net.ResolveUDPAddr("udp4", opts.broadcast)
		if err != nil {
			em.Close()
			return fmt.Errorf("invalid broadcast address %q: %w", opts.broadcast, err)
		}
		sock, err := sockets.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			em.Close()
			return fmt.Errorf("failed to open broadcast socket: %w", err)
		}
		fmt.Fprintf(stdout, "advertising to %s every %s\n", dst, opts.interval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sock.Close()
			if err := em.Broadcast(ctx, sock, dst, opts.interval); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "emulate: %v\n", err)
			}
		}()
	}

	err := em.Serve(ctx)
	cancel()
	wg.Wait()
	fmt.Fprintf(stdout, "stopped after %d mailbox messages\n", len(em.Messages()))
	return err
}
