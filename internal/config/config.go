// Package config loads the brickd JSON configuration. Every field is
// optional; the Get* accessors supply defaults for anything left out.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/telemetry"
)

// DefaultConfigPath is the checked in file listing every default.
const DefaultConfigPath = "config/brickd.defaults.json"

const maxFileSize = 1 * 1024 * 1024

// LinkConfig is the root of the configuration file.
type LinkConfig struct {
	Listen *string `json:"listen,omitempty"`
	DBPath *string `json:"db_path,omitempty"`

	// Discovery and connect
	DiscoveryPort    *int    `json:"discovery_port,omitempty"`
	ConnectPort      *int    `json:"connect_port,omitempty"`
	DiscoveryTimeout *string `json:"discovery_timeout,omitempty"` // duration string like "10s"
	ConnectTimeout   *string `json:"connect_timeout,omitempty"`
	HandshakeTimeout *string `json:"handshake_timeout,omitempty"`

	// Mailboxes
	Project          *string `json:"project,omitempty"`
	CommandMailbox   *string `json:"command_mailbox,omitempty"`
	TelemetryMailbox *string `json:"telemetry_mailbox,omitempty"`

	// Control loop and simulator
	TickInterval       *string  `json:"tick_interval,omitempty"`
	DistanceRate       *float64 `json:"distance_rate,omitempty"`
	AngleRate          *float64 `json:"angle_rate,omitempty"`
	TaskReadyHoldTicks *int     `json:"task_ready_hold_ticks,omitempty"`
	TaskReadyDelay     *string  `json:"task_ready_delay,omitempty"`

	SendQueue *int `json:"send_queue,omitempty"`

	// Serial transport; an empty port means Wi-Fi
	SerialPort *string `json:"serial_port,omitempty"`
	SerialBaud *int    `json:"serial_baud,omitempty"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// Load reads a LinkConfig from a .json file of at most 1 MB. Omitted fields
// stay nil so partial files are safe.
func Load(path string) (*LinkConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &LinkConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Defaults returns a config with every field set to its default.
func Defaults() *LinkConfig {
	var c LinkConfig
	return &LinkConfig{
		Listen:             ptrString(c.GetListen()),
		DBPath:             ptrString(c.GetDBPath()),
		DiscoveryPort:      ptrInt(c.GetDiscoveryPort()),
		ConnectPort:        ptrInt(c.GetConnectPort()),
		DiscoveryTimeout:   ptrString(c.GetDiscoveryTimeout().String()),
		ConnectTimeout:     ptrString(c.GetConnectTimeout().String()),
		HandshakeTimeout:   ptrString(c.GetHandshakeTimeout().String()),
		Project:            ptrString(c.GetProject()),
		CommandMailbox:     ptrString(c.GetCommandMailbox()),
		TelemetryMailbox:   ptrString(c.GetTelemetryMailbox()),
		TickInterval:       ptrString(c.GetTickInterval().String()),
		DistanceRate:       ptrFloat64(c.GetDistanceRate()),
		AngleRate:          ptrFloat64(c.GetAngleRate()),
		TaskReadyHoldTicks: ptrInt(c.GetTaskReadyHoldTicks()),
		TaskReadyDelay:     ptrString(c.GetTaskReadyDelay().String()),
		SendQueue:          ptrInt(c.GetSendQueue()),
		SerialPort:         ptrString(c.GetSerialPort()),
		SerialBaud:         ptrInt(c.GetSerialBaud()),
	}
}

// Validate checks every field that is set.
func (c *LinkConfig) Validate() error {
	ports := []struct {
		name string
		v    *int
	}{
		{"discovery_port", c.DiscoveryPort},
		{"connect_port", c.ConnectPort},
	}
	for _, p := range ports {
		if p.v != nil && (*p.v < 1 || *p.v > 65535) {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, *p.v)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"discovery_timeout", c.DiscoveryTimeout},
		{"connect_timeout", c.ConnectTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
		{"tick_interval", c.TickInterval},
		{"task_ready_delay", c.TaskReadyDelay},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 || (v == 0 && d.name != "task_ready_delay") {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	mailboxes := []struct {
		name string
		v    *string
	}{
		{"project", c.Project},
		{"command_mailbox", c.CommandMailbox},
		{"telemetry_mailbox", c.TelemetryMailbox},
	}
	for _, m := range mailboxes {
		if m.v == nil {
			continue
		}
		// a mailbox name must fit a WriteMailbox frame
		if _, err := ev3.WriteMailboxText(*m.v, ""); err != nil {
			return fmt.Errorf("invalid %s %q: %w", m.name, *m.v, err)
		}
	}

	if c.DistanceRate != nil && *c.DistanceRate <= 0 {
		return fmt.Errorf("distance_rate must be positive, got %f", *c.DistanceRate)
	}
	if c.AngleRate != nil && *c.AngleRate <= 0 {
		return fmt.Errorf("angle_rate must be positive, got %f", *c.AngleRate)
	}
	if c.TaskReadyHoldTicks != nil && *c.TaskReadyHoldTicks < 0 {
		return fmt.Errorf("task_ready_hold_ticks must be non-negative, got %d", *c.TaskReadyHoldTicks)
	}
	if c.SendQueue != nil && *c.SendQueue < 1 {
		return fmt.Errorf("send_queue must be at least 1, got %d", *c.SendQueue)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func (c *LinkConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

func (c *LinkConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "brickwire.db"
	}
	return *c.DBPath
}

func (c *LinkConfig) GetDiscoveryPort() int {
	if c.DiscoveryPort == nil {
		return brick.DefaultDiscoveryPort
	}
	return *c.DiscoveryPort
}

func (c *LinkConfig) GetConnectPort() int {
	if c.ConnectPort == nil {
		return brick.DefaultConnectPort
	}
	return *c.ConnectPort
}

func (c *LinkConfig) GetDiscoveryTimeout() time.Duration {
	return durationOr(c.DiscoveryTimeout, brick.DefaultDiscoveryTimeout)
}

func (c *LinkConfig) GetConnectTimeout() time.Duration {
	return durationOr(c.ConnectTimeout, brick.DefaultConnectTimeout)
}

func (c *LinkConfig) GetHandshakeTimeout() time.Duration {
	return durationOr(c.HandshakeTimeout, brick.DefaultHandshakeTimeout)
}

func (c *LinkConfig) GetProject() string {
	if c.Project == nil || *c.Project == "" {
		return ev3.DefaultProject
	}
	return *c.Project
}

func (c *LinkConfig) GetCommandMailbox() string {
	if c.CommandMailbox == nil || *c.CommandMailbox == "" {
		return "0"
	}
	return *c.CommandMailbox
}

func (c *LinkConfig) GetTelemetryMailbox() string {
	if c.TelemetryMailbox == nil || *c.TelemetryMailbox == "" {
		return "EV3_OUTBOX0"
	}
	return *c.TelemetryMailbox
}

func (c *LinkConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 100*time.Millisecond)
}

func (c *LinkConfig) GetDistanceRate() float64 {
	if c.DistanceRate == nil {
		return sim.DefaultConfig().DistanceRate
	}
	return *c.DistanceRate
}

func (c *LinkConfig) GetAngleRate() float64 {
	if c.AngleRate == nil {
		return sim.DefaultConfig().AngleRate
	}
	return *c.AngleRate
}

func (c *LinkConfig) GetTaskReadyHoldTicks() int {
	if c.TaskReadyHoldTicks == nil {
		return 5
	}
	return *c.TaskReadyHoldTicks
}

func (c *LinkConfig) GetTaskReadyDelay() time.Duration {
	return durationOr(c.TaskReadyDelay, 500*time.Millisecond)
}

func (c *LinkConfig) GetSendQueue() int {
	if c.SendQueue == nil {
		return brick.DefaultSendQueue
	}
	return *c.SendQueue
}

func (c *LinkConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

func (c *LinkConfig) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return brick.DefaultBaudRate
	}
	return *c.SerialBaud
}

// DialConfig builds the Wi-Fi connect pipeline configuration.
func (c *LinkConfig) DialConfig() brick.DialConfig {
	return brick.DialConfig{
		Discovery: brick.DiscoveryConfig{
			Port:        c.GetDiscoveryPort(),
			ConnectPort: c.GetConnectPort(),
			Timeout:     c.GetDiscoveryTimeout(),
		},
		Connector: brick.ConnectorConfig{
			DialTimeout:      c.GetConnectTimeout(),
			HandshakeTimeout: c.GetHandshakeTimeout(),
		},
		Session: c.SessionConfig(),
	}
}

func (c *LinkConfig) SessionConfig() brick.SessionConfig {
	return brick.SessionConfig{Project: c.GetProject(), SendQueue: c.GetSendQueue()}
}

func (c *LinkConfig) SimConfig() sim.Config {
	return sim.Config{
		Tick:         c.GetTickInterval(),
		DistanceRate: c.GetDistanceRate(),
		AngleRate:    c.GetAngleRate(),
	}
}

func (c *LinkConfig) TrackerConfig() telemetry.TrackerConfig {
	return telemetry.TrackerConfig{
		Tick:       c.GetTickInterval(),
		HoldTicks:  c.GetTaskReadyHoldTicks(),
		ReadyDelay: c.GetTaskReadyDelay(),
	}
}

func (c *LinkConfig) PortOptions() brick.PortOptions {
	return brick.PortOptions{BaudRate: c.GetSerialBaud()}
}
