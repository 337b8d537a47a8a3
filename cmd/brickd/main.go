package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/brickwire/internal/config"
	"github.com/banshee-data/brickwire/internal/db"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file (built-in defaults when empty)")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	dbPath      = flag.String("db", "", "SQLite recorder path, or \"none\" to disable recording (overrides config)")
	serialPort  = flag.String("serial-port", "", "Serial device the brick is paired on; empty uses Wi-Fi (overrides config)")
	connectNow  = flag.Bool("connect", false, "Connect to a brick at startup instead of waiting for POST /api/connect")
	brickSerial = flag.String("serial", "", "Only accept the brick with this serial number")
	brickAddr   = flag.String("address", "", "Only accept the brick at this IP address")
	debugLog    = flag.Bool("debug", false, "Log per-frame protocol diagnostics")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:]); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("brickd"))
		return
	}
	monitoring.SetDebug(*debugLog)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	overrideConfig(cfg)

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s listening on %s", version.String("brickd"), cfg.GetListen())
	if err := d.run(ctx, startupConnect()); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func loadConfig(path string) (*config.LinkConfig, error) {
	if path == "" {
		return &config.LinkConfig{}, nil
	}
	return config.Load(path)
}

// overrideConfig applies the command line flags that were set.
func overrideConfig(cfg *config.LinkConfig) {
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *serialPort != "" {
		cfg.SerialPort = serialPort
	}
}

// startupConnect returns the brick filter to connect with at startup, or nil.
func startupConnect() *connectTarget {
	if !*connectNow && *brickSerial == "" && *brickAddr == "" {
		return nil
	}
	return &connectTarget{Serial: *brickSerial, Address: *brickAddr}
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to a JSON config file")
	path := fs.String("db", "", "SQLite database path (overrides config)")
	fs.Usage = func() { db.PrintMigrateHelp(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	target := cfg.GetDBPath()
	if *path != "" {
		target = *path
	}
	if target == disabledDB {
		return fmt.Errorf("recording is disabled; pass --db <path>")
	}
	return db.RunMigrateCommand(fs.Args(), target, os.Stdout)
}
