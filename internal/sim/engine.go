package sim

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/telemetry"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

// Config holds the kinematic constants of the simulated robot.
type Config struct {
	Tick time.Duration
	// DistanceRate is centimetres per power unit per second.
	DistanceRate float64
	// AngleRate is degrees per power unit per second.
	AngleRate float64
}

// DefaultConfig returns the rates measured on the reference robot.
func DefaultConfig() Config {
	return Config{Tick: 100 * time.Millisecond, DistanceRate: 0.5, AngleRate: 3}
}

// step returns the per tick magnitude for power at rate.
func (c Config) step(power, rate float64) float64 {
	return power * rate * float64(c.Tick/time.Millisecond) / 1000
}

// State is a copy of the simulated robot.
type State struct {
	Angle    float64
	Distance float64
	Obstacle float64

	// remaining magnitudes of the command in progress
	AngleRemaining    float64
	DistanceRemaining float64

	// signed per tick increments of the command in progress
	AngleStep    float64
	DistanceStep float64

	TaskReady bool
	Ticks     uint64
}

// Busy reports whether a command is still executing.
func (s State) Busy() bool { return s.AngleRemaining > 0 || s.DistanceRemaining > 0 }

// Motion returns the state as telemetry.
func (s State) Motion() telemetry.Motion {
	return telemetry.Motion{TaskReady: s.TaskReady, Angle: s.Angle, Distance: s.Distance, Obstacle: s.Obstacle}
}

// Engine is a simulated brick. A command sent with SendText is applied on the
// next Receive, which also advances one tick; after that the engine advances
// one tick per elapsed Config.Tick of its clock. It is safe for concurrent
// use.
type Engine struct {
	cfg   Config
	clock timeutil.Clock

	mu       sync.Mutex
	state    State
	pending  *Command
	lastTick time.Time
	running  bool
}

// New returns an idle engine. A nil clock uses the real clock.
func New(cfg Config, clock timeutil.Clock) *Engine {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{cfg: cfg, clock: clock, state: State{TaskReady: true}}
}

// Config returns the engine constants.
func (e *Engine) Config() Config { return e.cfg }

// SendText queues a text command for the next Receive. Text that is not a
// valid command is logged and dropped, leaving the engine unchanged, which is
// what the motion program on a physical brick does. The mailbox is ignored.
func (e *Engine) SendText(mailbox, text string) error {
	cmd, err := ParseCommand(text)
	if err != nil {
		monitoring.Logf("sim: ignoring %q on mailbox %q: %v", text, mailbox, err)
		return nil
	}
	e.Apply(cmd)
	return nil
}

// SendFloat accepts and ignores a numeric mailbox message.
func (e *Engine) SendFloat(mailbox string, v float32) error { return nil }

// Send dispatches p to SendText or SendFloat.
func (e *Engine) Send(mailbox string, p ev3.Payload) error {
	if p.Kind == ev3.PayloadFloat {
		return e.SendFloat(mailbox, p.Float)
	}
	return e.SendText(mailbox, p.Text)
}

// Apply queues a parsed command. A later command replaces one that has not
// been picked up yet.
func (e *Engine) Apply(cmd Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = &cmd
}

// Receive advances the simulation and returns telemetry in the brick's
// motion shape. The mailbox is ignored.
func (e *Engine) Receive(mailbox string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.pending != nil {
		e.start(*e.pending)
		e.pending = nil
		e.tick()
		e.lastTick = now
		e.running = true
	} else if e.running {
		n := int64(now.Sub(e.lastTick) / e.cfg.Tick)
		if n < 0 {
			n = 0
		}
		for i := int64(0); i < n; i++ {
			e.tick()
			if !e.state.Busy() && e.state.TaskReady {
				break
			}
		}
		e.lastTick = e.lastTick.Add(time.Duration(n) * e.cfg.Tick)
	}
	return telemetry.FormatMotion(e.state.Motion())
}

// Step applies any pending command and advances exactly one tick regardless
// of the clock.
func (e *Engine) Step() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil {
		e.start(*e.pending)
		e.pending = nil
	}
	e.tick()
	return telemetry.FormatMotion(e.state.Motion())
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close drops any pending command. The engine stays usable.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
	return nil
}

func (e *Engine) start(cmd Command) {
	s := &e.state
	if cmd.Kind == CommandReset {
		s.Angle, s.Distance = 0, 0
		s.AngleRemaining, s.DistanceRemaining = 0, 0
		s.AngleStep, s.DistanceStep = 0, 0
		s.TaskReady = true
		return
	}
	s.AngleRemaining = math.Abs(cmd.Angle)
	s.DistanceRemaining = math.Abs(cmd.Distance)
	s.AngleStep = math.Copysign(e.cfg.step(cmd.Power, e.cfg.AngleRate), cmd.Angle)
	s.DistanceStep = math.Copysign(e.cfg.step(cmd.Power, e.cfg.DistanceRate), cmd.Distance)
	s.TaskReady = false
}

// tick advances one period: the turn first, then the drive. The last tick of
// each phase is clamped to the remaining magnitude. Readiness returns on the
// first tick with nothing left to do.
func (e *Engine) tick() {
	s := &e.state
	s.Ticks++
	switch {
	case s.AngleRemaining > 0:
		d := math.Min(math.Abs(s.AngleStep), s.AngleRemaining)
		s.Angle += math.Copysign(d, s.AngleStep)
		s.AngleRemaining = settle(s.AngleRemaining - d)
	case s.DistanceRemaining > 0:
		d := math.Min(math.Abs(s.DistanceStep), s.DistanceRemaining)
		s.Distance += math.Copysign(d, s.DistanceStep)
		s.DistanceRemaining = settle(s.DistanceRemaining - d)
	default:
		s.TaskReady = true
	}
}

// settle snaps float residue from repeated subtraction to zero.
func settle(v float64) float64 {
	if v < 1e-9 {
		return 0
	}
	return v
}
