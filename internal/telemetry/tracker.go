package telemetry

import "time"

// TrackerConfig controls how readiness is debounced.
type TrackerConfig struct {
	// Tick is the control loop period.
	Tick time.Duration
	// HoldTicks forces taskReady to false for this many ticks after a task
	// was sent. A physical brick keeps reporting the previous ready state for
	// a few ticks before the new command reaches it.
	HoldTicks int
	// ReadyDelay postpones the not-ready to ready transition.
	ReadyDelay time.Duration
}

// DefaultTrackerConfig matches a 100 ms loop.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{Tick: 100 * time.Millisecond, HoldTicks: 5, ReadyDelay: 500 * time.Millisecond}
}

// Update is what the tracker derived from one motion reading.
type Update struct {
	TaskReady     bool
	AngleDelta    float64
	DistanceDelta float64
	Obstacle      float64
	// Calibrated is false for the first reading after construction or after
	// a mode switch; the deltas are zero in that case.
	Calibrated bool
}

// Tracker turns successive Motion readings into movement deltas and a
// debounced readiness flag. It is not safe for concurrent use.
type Tracker struct {
	cfg TrackerConfig

	taskSentAt time.Time
	taskSent   bool

	ready     bool
	prevReady bool
	readyFrom time.Time

	calibrated bool
	epoch      uint64
	prev       Motion
}

// NewTracker returns a tracker that starts out ready and uncalibrated.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg, ready: true, prevReady: true}
}

// TaskSent records that a command was just issued.
func (t *Tracker) TaskSent(now time.Time) {
	t.taskSentAt = now
	t.taskSent = true
}

// Ready returns the debounced readiness flag.
func (t *Tracker) Ready() bool { return t.ready }

// Observe folds one reading in. epoch is the link epoch the reading came
// from; a change discards the calibrated baseline.
func (t *Tracker) Observe(now time.Time, epoch uint64, m Motion) Update {
	if epoch != t.epoch {
		t.epoch = epoch
		t.calibrated = false
	}

	direct := m.TaskReady
	if t.taskSent && now.Sub(t.taskSentAt) < time.Duration(t.cfg.HoldTicks)*t.cfg.Tick {
		direct = false
	}
	switch {
	case !direct:
		t.ready = false
	case !t.prevReady:
		t.ready = false
		t.readyFrom = now
	case now.Sub(t.readyFrom) > t.cfg.ReadyDelay:
		t.ready = true
	}
	t.prevReady = direct

	u := Update{TaskReady: t.ready, Obstacle: m.Obstacle, Calibrated: t.calibrated}
	if t.calibrated {
		u.AngleDelta = m.Angle - t.prev.Angle
		u.DistanceDelta = m.Distance - t.prev.Distance
	}
	t.prev = m
	t.calibrated = true
	return u
}
