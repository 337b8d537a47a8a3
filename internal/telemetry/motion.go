package telemetry

import (
	"fmt"
	"strconv"
	"strings"
)

// Motion is the four field telemetry shape reported by the motion program on
// the brick and by the simulator:
//
//	<taskReady> <angle> <distance> <obstacleDistance>
type Motion struct {
	TaskReady bool
	Angle     float64 // degrees turned since the last reset
	Distance  float64 // centimetres driven since the last reset
	Obstacle  float64 // distance to the nearest obstacle, 0 when unknown
}

// ParseMotion interprets a snapshot as Motion.
func ParseMotion(s Snapshot) (Motion, error) {
	if s.Len() != 4 {
		return Motion{}, fmt.Errorf("%w: motion needs 4 fields, got %d", ErrArity, s.Len())
	}
	ready := s.fields[0]
	if ready != 0 && ready != 1 {
		return Motion{}, fmt.Errorf("%w: taskReady is %v", ErrNotNumeric, ready)
	}
	return Motion{
		TaskReady: ready == 1,
		Angle:     s.fields[1],
		Distance:  s.fields[2],
		Obstacle:  s.fields[3],
	}, nil
}

// FormatMotion renders m in the wire shape. Numbers use the shortest float32
// spelling so accumulated rounding noise does not leak into the text.
func FormatMotion(m Motion) string {
	var b strings.Builder
	if m.TaskReady {
		b.WriteString("1")
	} else {
		b.WriteString("0")
	}
	for _, v := range [...]float64{m.Angle, m.Distance, m.Obstacle} {
		b.WriteByte(' ')
		b.WriteString(formatNumber(v))
	}
	return b.String()
}

func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 32)
	if s == "-0" {
		return "0"
	}
	return s
}

// Odometry is the shape sent by the raw drive program on the brick:
//
//	<distance> <angle> <encoderB> <encoderC>
type Odometry struct {
	Distance float64
	Angle    float64
	EncoderB int
	EncoderC int
}

// ParseOdometry interprets a snapshot as Odometry.
func ParseOdometry(s Snapshot) (Odometry, error) {
	if s.Len() != 4 {
		return Odometry{}, fmt.Errorf("%w: odometry needs 4 fields, got %d", ErrArity, s.Len())
	}
	return Odometry{
		Distance: s.fields[0],
		Angle:    s.fields[1],
		EncoderB: int(s.fields[2]),
		EncoderC: int(s.fields[3]),
	}, nil
}
