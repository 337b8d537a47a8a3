// Package control runs the fixed-period loop that polls telemetry, debounces
// readiness and dispatches queued motion tasks.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/link"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/telemetry"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

// ErrQueueFull is returned by Queue when the task backlog is at capacity.
var ErrQueueFull = errors.New("control: task queue full")

const DefaultQueueSize = 64

// Source is the part of the link the loop drives. *link.Link satisfies it.
type Source interface {
	Send(p ev3.Payload, mailbox string) error
	Receive(mailbox string) string
	Mode() link.Mode
	Epoch() uint64
}

// Recorder stores readings. Errors are logged.
type Recorder interface {
	RecordTelemetry(r Reading) error
}

// Reading is the outcome of one tick.
type Reading struct {
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
	Mode  string    `json:"mode"`
	Epoch uint64    `json:"epoch"`
	Raw   string    `json:"raw"`
	// Motion is false when Raw is empty or not in the motion shape; the
	// remaining fields are then zero.
	Motion        bool    `json:"motion"`
	TaskReady     bool    `json:"task_ready"`
	Angle         float64 `json:"angle"`
	Distance      float64 `json:"distance"`
	Obstacle      float64 `json:"obstacle"`
	AngleDelta    float64 `json:"angle_delta"`
	DistanceDelta float64 `json:"distance_delta"`
	Calibrated    bool    `json:"calibrated"`
	// Dispatched is the task sent on this tick, if any.
	Dispatched string `json:"dispatched,omitempty"`
}

// Config configures a Loop.
type Config struct {
	CommandMailbox   string
	TelemetryMailbox string
	Tracker          telemetry.TrackerConfig
	QueueSize        int
	Clock            timeutil.Clock
	Recorder         Recorder
	Hub              *Hub
}

// Loop is the control loop. Step is not safe for concurrent use with
// itself; the other methods are.
type Loop struct {
	src      Source
	cfg      Config
	clock    timeutil.Clock
	hub      *Hub
	recorder Recorder
	jitter   jitter

	mu      sync.Mutex
	tracker *telemetry.Tracker
	queue   []string
	seq     uint64
	last    Reading
	have    bool
	// awaiting is set by a dispatch and cleared by the next motion reading,
	// so a silent link cannot drain the queue.
	awaiting bool
}

// NewLoop returns a loop over src. Zero config fields take the defaults of
// a 100 ms loop polling EV3_OUTBOX0 and commanding mailbox "0".
func NewLoop(src Source, cfg Config) *Loop {
	if cfg.CommandMailbox == "" {
		cfg.CommandMailbox = "0"
	}
	if cfg.TelemetryMailbox == "" {
		cfg.TelemetryMailbox = "EV3_OUTBOX0"
	}
	if cfg.Tracker.Tick <= 0 {
		cfg.Tracker = telemetry.DefaultTrackerConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	return &Loop{
		src:      src,
		cfg:      cfg,
		clock:    cfg.Clock,
		hub:      cfg.Hub,
		recorder: cfg.Recorder,
		tracker:  telemetry.NewTracker(cfg.Tracker),
	}
}

// Hub returns the hub readings are published on.
func (l *Loop) Hub() *Hub { return l.hub }

// Run steps once per tick until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.cfg.Tracker.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			l.Step(now)
		}
	}
}

// Step runs one tick at now: poll, debounce, dispatch the next queued task
// when the robot is ready, publish and record.
func (l *Loop) Step(now time.Time) Reading {
	l.jitter.observe(now)
	raw := l.src.Receive(l.cfg.TelemetryMailbox)
	epoch := l.src.Epoch()

	l.mu.Lock()
	l.seq++
	r := Reading{Seq: l.seq, At: now, Mode: l.src.Mode().String(), Epoch: epoch, Raw: raw}
	if m, ok := parseMotion(raw); ok {
		u := l.tracker.Observe(now, epoch, m)
		r.Motion = true
		r.TaskReady = u.TaskReady
		r.Angle, r.Distance, r.Obstacle = m.Angle, m.Distance, m.Obstacle
		r.AngleDelta, r.DistanceDelta = u.AngleDelta, u.DistanceDelta
		r.Calibrated = u.Calibrated
		l.awaiting = false
	}
	var task string
	if len(l.queue) > 0 && !l.awaiting && l.tracker.Ready() {
		task = l.queue[0]
		l.queue = l.queue[1:]
	}
	l.mu.Unlock()

	if task != "" {
		if err := l.src.Send(ev3.Text(task), l.cfg.CommandMailbox); err != nil {
			monitoring.Logf("control: dispatch %q: %v", task, err)
		} else {
			l.mu.Lock()
			l.tracker.TaskSent(now)
			l.awaiting = true
			l.mu.Unlock()
			r.Dispatched = task
		}
	}

	l.mu.Lock()
	l.last, l.have = r, true
	l.mu.Unlock()

	l.hub.Publish(r)
	if l.recorder != nil {
		if err := l.recorder.RecordTelemetry(r); err != nil {
			monitoring.Logf("control: record reading %d: %v", r.Seq, err)
		}
	}
	return r
}

func parseMotion(raw string) (telemetry.Motion, bool) {
	if raw == "" {
		return telemetry.Motion{}, false
	}
	s, err := telemetry.Parse(raw)
	if err != nil {
		return telemetry.Motion{}, false
	}
	m, err := telemetry.ParseMotion(s)
	if err != nil {
		return telemetry.Motion{}, false
	}
	return m, true
}

// Queue appends tasks to the backlog. Each is sent on the first tick at
// which the robot reports ready. Either all tasks are queued or none.
func (l *Loop) Queue(tasks ...string) error {
	for _, t := range tasks {
		if _, err := ev3.WriteMailboxText(l.cfg.CommandMailbox, t); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue)+len(tasks) > l.cfg.QueueSize {
		return ErrQueueFull
	}
	l.queue = append(l.queue, tasks...)
	return nil
}

// Pending returns the tasks not yet dispatched.
func (l *Loop) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.queue...)
}

// ClearQueue drops every queued task.
func (l *Loop) ClearQueue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = nil
}

// Latest returns the most recent reading.
func (l *Loop) Latest() (Reading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.have
}

// Jitter summarises recent tick intervals.
func (l *Loop) Jitter() JitterStats { return l.jitter.stats() }
