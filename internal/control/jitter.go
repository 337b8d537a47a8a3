package control

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const jitterWindow = 600

// JitterStats summarises recent tick intervals in milliseconds.
type JitterStats struct {
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"mean_ms"`
	StdDev  float64 `json:"stddev_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	P95Ms   float64 `json:"p95_ms"`
}

// jitter keeps a ring of the last jitterWindow tick intervals.
type jitter struct {
	mu   sync.Mutex
	ring []float64
	next int
	last time.Time
}

func (j *jitter) observe(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.last.IsZero() {
		ms := float64(now.Sub(j.last)) / float64(time.Millisecond)
		if len(j.ring) < jitterWindow {
			j.ring = append(j.ring, ms)
		} else {
			j.ring[j.next] = ms
			j.next = (j.next + 1) % jitterWindow
		}
	}
	j.last = now
}

func (j *jitter) stats() JitterStats {
	j.mu.Lock()
	xs := append([]float64(nil), j.ring...)
	j.mu.Unlock()
	if len(xs) == 0 {
		return JitterStats{}
	}

	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	st := JitterStats{
		Samples: len(xs),
		MeanMs:  stat.Mean(xs, nil),
		MinMs:   sorted[0],
		MaxMs:   sorted[len(sorted)-1],
		P95Ms:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	if len(xs) > 1 {
		st.StdDev = stat.StdDev(xs, nil)
	}
	return st
}
