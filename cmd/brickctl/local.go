package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/config"
	"github.com/banshee-data/brickwire/internal/link"
	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

// linkFlags are shared by the commands that drive a brick directly.
type linkFlags struct {
	config     string
	connect    bool
	serial     string
	address    string
	serialPort string
	daemon     string

	// dialer replaces the configured transport in tests
	dialer link.Dialer
}

func (f *linkFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "Path to a JSON config file")
	fs.BoolVar(&f.connect, "connect", false, "Connect to a brick first; stays in simulation if none answers")
	fs.StringVar(&f.serial, "serial", "", "Only accept the brick with this serial number (implies --connect)")
	fs.StringVar(&f.address, "address", "", "Only accept the brick at this IP address (implies --connect)")
	fs.StringVar(&f.serialPort, "serial-port", "", "Use the brick paired on this serial device")
	fs.StringVar(&f.daemon, "daemon", "", "Talk to brickd at this base URL instead of a local link")
}

func (f *linkFlags) wantConnect() bool {
	return f.connect || f.serial != "" || f.address != "" || f.serialPort != ""
}

func (f *linkFlags) loadConfig() (*config.LinkConfig, error) {
	cfg := &config.LinkConfig{}
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	if f.serialPort != "" {
		cfg.SerialPort = &f.serialPort
	}
	return cfg, nil
}

// open builds a local link and, when asked, connects it. A failed connect
// is reported on out and leaves the link simulating.
func (f *linkFlags) open(ctx context.Context, out io.Writer) (*link.Link, *config.LinkConfig, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	dialer := f.dialer
	if dialer == nil {
		if port := cfg.GetSerialPort(); port != "" {
			dialer = link.SerialDialer(port, cfg.PortOptions(), nil, cfg.SessionConfig())
		} else {
			dialer = link.BrickDialer(brick.NewDialer(cfg.DialConfig()))
		}
	}
	clock := timeutil.RealClock{}
	l := link.New(link.Config{
		Sim:    sim.New(cfg.SimConfig(), clock),
		Dialer: dialer,
		Clock:  clock,
	})

	if f.wantConnect() {
		if err := l.ConnectErr(ctx, f.serial, f.address); err != nil {
			fmt.Fprintf(out, "connect failed, using the simulator: %v\n", err)
		} else {
			st := l.Status()
			fmt.Fprintf(out, "connected to %s %s\n", st.Serial, st.Endpoint)
		}
	}
	return l, cfg, nil
}
