// Package telemetry holds the decoded telemetry values reported by a brick or
// by the simulator, the single-slot latch the receive pump writes into and
// the tracker a control loop uses to turn raw motion telemetry into deltas.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxFields is the largest number of fields accepted in one snapshot.
const MaxFields = 8

var (
	ErrEmpty      = errors.New("telemetry: empty message")
	ErrArity      = errors.New("telemetry: unexpected field count")
	ErrNotNumeric = errors.New("telemetry: non-numeric field")
)

// Snapshot is one fully numeric, space separated telemetry message. The zero
// value is the empty snapshot.
type Snapshot struct {
	text   string
	fields []float64
}

// Parse validates s and returns its snapshot. Fields are separated by runs of
// spaces; the original spelling of every field is kept for String.
func Parse(s string) (Snapshot, error) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return Snapshot{}, ErrEmpty
	}
	if len(tokens) > MaxFields {
		return Snapshot{}, fmt.Errorf("%w: %d fields", ErrArity, len(tokens))
	}
	fields := make([]float64, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Snapshot{}, fmt.Errorf("%w: field %d is %q", ErrNotNumeric, i, tok)
		}
		fields[i] = v
	}
	return Snapshot{text: strings.Join(tokens, " "), fields: fields}, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) Snapshot {
	snap, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return snap
}

// String returns the snapshot text, or "" for the empty snapshot.
func (s Snapshot) String() string { return s.text }

// IsZero reports whether s is the empty snapshot.
func (s Snapshot) IsZero() bool { return len(s.fields) == 0 }

// Len returns the number of fields.
func (s Snapshot) Len() int { return len(s.fields) }

// Field returns field i.
func (s Snapshot) Field(i int) (float64, bool) {
	if i < 0 || i >= len(s.fields) {
		return 0, false
	}
	return s.fields[i], true
}

// Fields returns a copy of all fields.
func (s Snapshot) Fields() []float64 {
	return append([]float64(nil), s.fields...)
}
