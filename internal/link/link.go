// Package link routes brick traffic to either a live session or the
// simulator. Callers see one set of operations regardless of which side is
// active and detect mode switches through the epoch counter.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

// ErrNoDialer is returned by ConnectErr when the link has no way to reach a
// brick.
var ErrNoDialer = errors.New("link: no dialer configured")

// Backend is the call contract shared by the simulator and a live session.
type Backend interface {
	SendText(mailbox, text string) error
	SendFloat(mailbox string, v float32) error
	Receive(mailbox string) string
	Close() error
}

// Session is a physical backend that can fail on its own.
type Session interface {
	Backend
	Done() <-chan struct{}
	Err() error
}

// Dialer opens a session to a brick accepted by the filter.
type Dialer interface {
	Dial(ctx context.Context, f brick.Filter) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, f brick.Filter) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, flt brick.Filter) (Session, error) { return f(ctx, flt) }

// BrickDialer adapts the Wi-Fi connect pipeline.
func BrickDialer(d *brick.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, f brick.Filter) (Session, error) {
		s, err := d.Dial(ctx, f)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// SerialDialer opens the brick paired on a serial device. The filter is
// ignored; whatever answers on path is the brick.
func SerialDialer(path string, opts brick.PortOptions, open brick.SerialOpener, cfg brick.SessionConfig) Dialer {
	return DialerFunc(func(ctx context.Context, _ brick.Filter) (Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := brick.DialSerial(path, opts, open, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Mode says which backend is active.
type Mode int

const (
	ModeSimulation Mode = iota
	ModePhysical
)

func (m Mode) String() string {
	switch m {
	case ModeSimulation:
		return "simulation"
	case ModePhysical:
		return "physical"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Switch describes one mode change.
type Switch struct {
	From, To Mode
	Epoch    uint64
	Reason   string
	Serial   brick.SerialNumber
	At       time.Time
}

// Recorder is told about every command sent and every mode switch. Errors
// are logged and otherwise ignored.
type Recorder interface {
	RecordCommand(mode Mode, mailbox string, p ev3.Payload, at time.Time) error
	RecordSwitch(s Switch) error
}

// Config configures a Link.
type Config struct {
	// Sim is the simulation backend. Nil creates one with sim.DefaultConfig.
	Sim *sim.Engine
	// Dialer reaches physical bricks. Nil makes every connect fail.
	Dialer   Dialer
	Recorder Recorder
	Clock    timeutil.Clock
	// ConnectTimeout bounds ConnectErr on top of the dialer's own timeouts.
	ConnectTimeout time.Duration
}

// Link is the mode selector. It starts in simulation.
type Link struct {
	sim      *sim.Engine
	dialer   Dialer
	recorder Recorder
	clock    timeutil.Clock
	timeout  time.Duration

	dialMu sync.Mutex // serialises ConnectErr

	mu     sync.Mutex
	phys   Session
	serial brick.SerialNumber
	epoch  uint64
	closed bool

	subMu       sync.Mutex
	subscribers map[string]chan string
	subsClosed  bool
	lastPublish string
}

// New returns a link in simulation mode.
func New(cfg Config) *Link {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Sim == nil {
		cfg.Sim = sim.New(sim.DefaultConfig(), cfg.Clock)
	}
	return &Link{
		sim:         cfg.Sim,
		dialer:      cfg.Dialer,
		recorder:    cfg.Recorder,
		clock:       cfg.Clock,
		timeout:     cfg.ConnectTimeout,
		subscribers: make(map[string]chan string),
	}
}

// Sim returns the simulation backend.
func (l *Link) Sim() *sim.Engine { return l.sim }

// Connect is ConnectErr reporting success only.
func (l *Link) Connect(ctx context.Context, serial, address string) bool {
	err := l.ConnectErr(ctx, serial, address)
	if err != nil {
		monitoring.Logf("link: connect failed, staying in simulation: %v", err)
	}
	return err == nil
}

// ConnectErr drops any current session, then discovers and connects to a
// brick matching serial and address (either may be empty). On success the
// link switches to physical mode; on failure it stays in simulation.
//
// A non-empty serial must match the advertised one even when an address is
// given. Pass "" to connect to whichever brick answers from address.
func (l *Link) ConnectErr(ctx context.Context, serial, address string) error {
	l.dialMu.Lock()
	defer l.dialMu.Unlock()

	l.Disconnect()
	if l.dialer == nil {
		return ErrNoDialer
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	s, err := l.dialer.Dial(ctx, brick.Filter{Serial: brick.SerialNumber(serial), Address: address})
	if err != nil {
		return err
	}

	sn := brick.SerialNumber(serial)
	if id, ok := s.(interface{ Serial() brick.SerialNumber }); ok {
		sn = id.Serial()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		s.Close()
		return brick.ErrClosed
	}
	l.phys = s
	l.serial = sn
	sw := l.switchLocked(ModeSimulation, ModePhysical, "connect")
	l.mu.Unlock()

	l.recordSwitch(sw)
	go l.watch(s)
	return nil
}

// Disconnect closes the session, if any, and returns to simulation. It is
// safe to call repeatedly.
func (l *Link) Disconnect() {
	l.mu.Lock()
	s := l.phys
	if s == nil {
		l.mu.Unlock()
		return
	}
	l.phys = nil
	sw := l.switchLocked(ModePhysical, ModeSimulation, "disconnect")
	l.mu.Unlock()

	if err := s.Close(); err != nil {
		monitoring.Logf("link: closing session: %v", err)
	}
	l.recordSwitch(sw)
}

// Close disconnects and ends every telemetry subscription. Later connects
// fail with brick.ErrClosed.
func (l *Link) Close() error {
	l.Disconnect()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subsClosed = true
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	return nil
}

// watch falls back to simulation when s faults while it is still active.
func (l *Link) watch(s Session) {
	<-s.Done()
	l.mu.Lock()
	if l.phys != s {
		l.mu.Unlock()
		return
	}
	l.phys = nil
	reason := "fault"
	if err := s.Err(); err != nil {
		reason = "fault: " + err.Error()
	}
	sw := l.switchLocked(ModePhysical, ModeSimulation, reason)
	l.mu.Unlock()

	monitoring.Logf("link: session to %s lost, back to simulation (%s)", sw.Serial, reason)
	s.Close()
	l.recordSwitch(sw)
}

func (l *Link) switchLocked(from, to Mode, reason string) Switch {
	l.epoch++
	sw := Switch{From: from, To: to, Epoch: l.epoch, Reason: reason, Serial: l.serial, At: l.clock.Now()}
	if to == ModeSimulation {
		l.serial = ""
	}
	return sw
}

func (l *Link) recordSwitch(sw Switch) {
	l.publish(fmt.Sprintf("# %s -> %s (%s)", sw.From, sw.To, sw.Reason))
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordSwitch(sw); err != nil {
		monitoring.Logf("link: recording mode switch: %v", err)
	}
}

func (l *Link) active() (Backend, Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phys != nil {
		return l.phys, ModePhysical
	}
	return l.sim, ModeSimulation
}

// Send writes p to mailbox on the active backend. Messages that cannot be
// encoded are rejected in either mode.
func (l *Link) Send(p ev3.Payload, mailbox string) error {
	if _, err := ev3.WriteMailbox(mailbox, p); err != nil {
		return err
	}
	b, mode := l.active()
	var err error
	if p.Kind == ev3.PayloadFloat {
		err = b.SendFloat(mailbox, p.Float)
	} else {
		err = b.SendText(mailbox, p.Text)
	}
	if err != nil {
		return err
	}
	if l.recorder != nil {
		if rerr := l.recorder.RecordCommand(mode, mailbox, p, l.clock.Now()); rerr != nil {
			monitoring.Logf("link: recording command: %v", rerr)
		}
	}
	return nil
}

// SendText sends a text message.
func (l *Link) SendText(mailbox, text string) error { return l.Send(ev3.Text(text), mailbox) }

// SendFloat sends a numeric message.
func (l *Link) SendFloat(mailbox string, v float32) error { return l.Send(ev3.Float(v), mailbox) }

// Receive returns the latest telemetry of the active backend. It never
// blocks.
func (l *Link) Receive(mailbox string) string {
	b, _ := l.active()
	v := b.Receive(mailbox)
	l.publish(v)
	return v
}

// Poll calls Receive every interval until accept returns true or ctx ends,
// in which case it returns the last value with ctx's error.
func (l *Link) Poll(ctx context.Context, mailbox string, interval time.Duration, accept func(string) bool) (string, error) {
	if interval <= 0 {
		interval = sim.DefaultConfig().Tick
	}
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		v := l.Receive(mailbox)
		if accept(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C():
		}
	}
}

// NonEmpty is an accept function for Poll.
func NonEmpty(s string) bool { return s != "" }

// Simulating reports whether the simulator is active.
func (l *Link) Simulating() bool {
	_, m := l.active()
	return m == ModeSimulation
}

// Mode returns the active mode.
func (l *Link) Mode() Mode {
	_, m := l.active()
	return m
}

// Epoch returns the number of mode switches so far.
func (l *Link) Epoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// Status is a point in time view of the link.
type Status struct {
	Mode     string             `json:"mode"`
	Epoch    uint64             `json:"epoch"`
	Serial   brick.SerialNumber `json:"serial,omitempty"`
	Endpoint string             `json:"endpoint,omitempty"`
	Session  *brick.Stats       `json:"session,omitempty"`
	Sim      *sim.State         `json:"sim,omitempty"`
}

// Status reports the current mode and backend counters.
func (l *Link) Status() Status {
	l.mu.Lock()
	st := Status{Mode: ModeSimulation.String(), Epoch: l.epoch, Serial: l.serial}
	phys := l.phys
	l.mu.Unlock()

	if phys == nil {
		s := l.sim.State()
		st.Sim = &s
		return st
	}
	st.Mode = ModePhysical.String()
	if s, ok := phys.(interface{ Stats() brick.Stats }); ok {
		stats := s.Stats()
		st.Session = &stats
	}
	if s, ok := phys.(interface{ Endpoint() brick.Endpoint }); ok {
		st.Endpoint = s.Endpoint().String()
	}
	return st
}
