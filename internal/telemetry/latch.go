package telemetry

import (
	"sync/atomic"
	"time"
)

// Reading is a latched snapshot with its sequence number and arrival time.
type Reading struct {
	Snapshot Snapshot
	Seq      uint64
	At       time.Time
}

// Latch is a single-slot, latest-wins holder for the most recent snapshot.
// It is written by one receive goroutine and read by any number of callers;
// a value is replaced whole and never observed half written. Reads do not
// clear the slot.
type Latch struct {
	cur atomic.Pointer[Reading]
	seq atomic.Uint64
}

// Store replaces the latched value and returns its sequence number. Empty
// snapshots are ignored and return 0.
func (l *Latch) Store(s Snapshot, at time.Time) uint64 {
	if s.IsZero() {
		return 0
	}
	r := &Reading{Snapshot: s, Seq: l.seq.Add(1), At: at}
	for {
		old := l.cur.Load()
		if old != nil && old.Seq > r.Seq {
			return r.Seq
		}
		if l.cur.CompareAndSwap(old, r) {
			return r.Seq
		}
	}
}

// Load returns the latched reading. ok is false until something is stored.
func (l *Latch) Load() (r Reading, ok bool) {
	p := l.cur.Load()
	if p == nil {
		return Reading{}, false
	}
	return *p, true
}

// String returns the latched text, or "" when nothing was stored.
func (l *Latch) String() string {
	if p := l.cur.Load(); p != nil {
		return p.Snapshot.String()
	}
	return ""
}

// Seq returns the sequence number of the latched value.
func (l *Latch) Seq() uint64 {
	if p := l.cur.Load(); p != nil {
		return p.Seq
	}
	return 0
}

// Clear empties the latch. Sequence numbers keep increasing.
func (l *Latch) Clear() { l.cur.Store(nil) }
