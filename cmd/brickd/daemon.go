package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/brickwire/internal/api"
	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/config"
	"github.com/banshee-data/brickwire/internal/control"
	"github.com/banshee-data/brickwire/internal/db"
	"github.com/banshee-data/brickwire/internal/link"
	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

// disabledDB as the db path turns the recorder off.
const disabledDB = "none"

const shutdownTimeout = 2 * time.Second

type connectTarget struct {
	Serial  string
	Address string
}

// daemon is one brickd process: the link, its control loop, the recorder
// and the HTTP handler serving them.
type daemon struct {
	cfg     *config.LinkConfig
	link    *link.Link
	loop    *control.Loop
	hub     *control.Hub
	db      *db.DB
	handler http.Handler
}

func newDaemon(cfg *config.LinkConfig) (*daemon, error) {
	return newDaemonWith(cfg, timeutil.RealClock{}, nil)
}

// newDaemonWith lets tests supply the clock and dialer. A nil dialer is
// derived from cfg.
func newDaemonWith(cfg *config.LinkConfig, clock timeutil.Clock, dialer link.Dialer) (*daemon, error) {
	d := &daemon{cfg: cfg}

	var (
		linkRecorder link.Recorder
		loopRecorder control.Recorder
		store        api.Store
	)
	if path := cfg.GetDBPath(); path != disabledDB {
		database, err := db.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open recorder %s: %w", path, err)
		}
		d.db = database
		linkRecorder, loopRecorder, store = database, database, database
		log.Printf("recording to %s (session %s)", path, database.SessionID())
	}

	if dialer == nil {
		dialer = linkDialer(cfg)
	}
	d.link = link.New(link.Config{
		Sim:      sim.New(cfg.SimConfig(), clock),
		Dialer:   dialer,
		Recorder: linkRecorder,
		Clock:    clock,
	})

	d.hub = control.NewHub()
	d.loop = control.NewLoop(d.link, control.Config{
		CommandMailbox:   cfg.GetCommandMailbox(),
		TelemetryMailbox: cfg.GetTelemetryMailbox(),
		Tracker:          cfg.TrackerConfig(),
		Clock:            clock,
		Recorder:         loopRecorder,
		Hub:              d.hub,
	})

	srv := api.NewServer(d.link, d.loop, api.Options{
		CommandMailbox:   cfg.GetCommandMailbox(),
		TelemetryMailbox: cfg.GetTelemetryMailbox(),
		ConnectTimeout:   connectBudget(cfg),
		Store:            store,
	})
	mux := srv.ServeMux()
	d.link.AttachAdminRoutes(mux, cfg.GetCommandMailbox())
	if d.db != nil {
		d.db.AttachAdminRoutes(mux)
	}
	d.handler = api.LoggingMiddleware(mux)
	return d, nil
}

// linkDialer picks the serial transport when a port is configured and the
// Wi-Fi pipeline otherwise.
func linkDialer(cfg *config.LinkConfig) link.Dialer {
	if port := cfg.GetSerialPort(); port != "" {
		log.Printf("using serial transport on %s", port)
		return link.SerialDialer(port, cfg.PortOptions(), nil, cfg.SessionConfig())
	}
	return link.BrickDialer(brick.NewDialer(cfg.DialConfig()))
}

// connectBudget is the longest a connect request may take: discovery, the
// TCP dial and the handshake in turn.
func connectBudget(cfg *config.LinkConfig) time.Duration {
	return cfg.GetDiscoveryTimeout() + cfg.GetConnectTimeout() + cfg.GetHandshakeTimeout()
}

// run serves until ctx ends, then shuts everything down in order.
func (d *daemon) run(ctx context.Context, target *connectTarget) error {
	ln, err := net.Listen("tcp", d.cfg.GetListen())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.GetListen(), err)
	}
	return d.serve(ctx, ln, target)
}

func (d *daemon) serve(ctx context.Context, ln net.Listener, target *connectTarget) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.hub.Run(ctx)
		log.Print("telemetry hub stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("control loop: %v", err)
		}
		log.Print("control loop stopped")
	}()

	if target != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, connectBudget(d.cfg))
			defer cancel()
			if err := d.link.ConnectErr(cctx, target.Serial, target.Address); err != nil {
				log.Printf("startup connect failed, staying in simulation: %v", err)
				return
			}
			log.Printf("connected to %s", d.link.Status().Endpoint)
		}()
	}

	server := &http.Server{Handler: d.handler}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	// the loop and hub only stop with ctx
	if runErr != nil {
		return d.close(runErr)
	}
	wg.Wait()
	return d.close(nil)
}

func (d *daemon) close(runErr error) error {
	if err := d.link.Close(); err != nil {
		log.Printf("closing link: %v", err)
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			log.Printf("closing recorder: %v", err)
		}
	}
	return runErr
}
