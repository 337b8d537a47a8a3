package sim

import (
	"errors"
	"log"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/telemetry"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

func newTestEngine(t *testing.T) (*Engine, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	return New(DefaultConfig(), clock), clock
}

func motion(t *testing.T, s string) telemetry.Motion {
	t.Helper()
	snap, err := telemetry.Parse(s)
	require.NoError(t, err)
	m, err := telemetry.ParseMotion(snap)
	require.NoError(t, err)
	return m
}

func TestEngine_MoveScenario(t *testing.T) {
	e, clock := newTestEngine(t)
	require.NoError(t, e.SendText("0", "Move 0 10 30"))

	var distances []float64
	var ready []bool
	for i := 0; i < 20; i++ {
		m := motion(t, e.Receive("EV3_OUTBOX0"))
		distances = append(distances, m.Distance)
		ready = append(ready, m.TaskReady)
		clock.Advance(100 * time.Millisecond)
	}

	want := []float64{1.5, 3, 4.5, 6, 7.5, 9, 10}
	assert.Equal(t, want, distances[:7])
	for i := 7; i < 20; i++ {
		assert.Equal(t, 10.0, distances[i], "poll %d", i)
		assert.True(t, ready[i], "poll %d should be ready", i)
	}
	for i := 0; i < 7; i++ {
		assert.False(t, ready[i], "poll %d should be busy", i)
	}
}

func TestEngine_TurnBeforeDrive(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Apply(Command{Kind: CommandMove, Angle: -20, Distance: 3, Power: 30})

	// 9 degrees per tick: -9, -18, -20 then 1.5 cm per tick
	wantAngles := []float64{-9, -18, -20, -20, -20, -20}
	wantDist := []float64{0, 0, 0, 1.5, 3, 3}
	for i := range wantAngles {
		e.Step()
		s := e.State()
		assert.InDelta(t, wantAngles[i], s.Angle, 1e-9, "tick %d angle", i)
		assert.InDelta(t, wantDist[i], s.Distance, 1e-9, "tick %d distance", i)
	}
	assert.True(t, e.State().TaskReady)
}

func TestEngine_ReadyOnTickAfterMotion(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Apply(Command{Kind: CommandTurn, Angle: 9, Power: 30})

	e.Step()
	s := e.State()
	assert.Equal(t, 9.0, s.Angle)
	assert.False(t, s.TaskReady, "ready must wait for the following tick")

	e.Step()
	assert.True(t, e.State().TaskReady)
}

func TestEngine_SummedIncrementsMatchRequest(t *testing.T) {
	cases := []struct{ angle, distance, power float64 }{
		{90, 0, 30},
		{-45, 12.7, 17},
		{0, -33.3, 7},
		{180, 100, 100},
		{1, 0.2, 1},
	}
	for _, c := range cases {
		e, _ := newTestEngine(t)
		e.Apply(Command{Kind: CommandMove, Angle: c.angle, Distance: c.distance, Power: c.power})
		for i := 0; i < 100000 && (e.State().Busy() || !e.State().TaskReady); i++ {
			e.Step()
		}
		s := e.State()
		assert.InDelta(t, c.angle, s.Angle, 1e-9, "%+v angle", c)
		assert.InDelta(t, c.distance, s.Distance, 1e-9, "%+v distance", c)
		if c.angle != 0 {
			assert.Equal(t, math.Signbit(c.angle), math.Signbit(s.Angle))
		}
	}
}

func TestEngine_Reset(t *testing.T) {
	e, clock := newTestEngine(t)
	require.NoError(t, e.SendText("0", "Move 90 50 30"))
	for i := 0; i < 15; i++ {
		e.Receive("")
		clock.Advance(100 * time.Millisecond)
	}
	require.NotZero(t, e.State().Angle)
	require.NotZero(t, e.State().Distance)

	require.NoError(t, e.SendText("0", "Reset"))
	assert.Equal(t, "1 0 0 0", e.Receive(""))
	s := e.State()
	assert.False(t, s.Busy(), "Reset cancels motion")

	clock.Advance(time.Second)
	assert.Equal(t, "1 0 0 0", e.Receive(""))
}

func TestEngine_ClockDrivesTicks(t *testing.T) {
	e, clock := newTestEngine(t)
	e.Apply(Command{Kind: CommandMove, Distance: 10, Power: 30})
	e.Receive("")
	assert.Equal(t, 1.5, e.State().Distance)

	// no time passed: no tick
	e.Receive("")
	assert.Equal(t, 1.5, e.State().Distance)

	clock.Advance(350 * time.Millisecond)
	e.Receive("")
	assert.Equal(t, 6.0, e.State().Distance)

	// the 50 ms remainder carries into the next poll
	clock.Advance(50 * time.Millisecond)
	e.Receive("")
	assert.Equal(t, 7.5, e.State().Distance)

	clock.Advance(time.Hour)
	assert.Equal(t, "1 0 10 0", e.Receive(""))
}

func TestEngine_InvalidCommandIgnored(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	e, _ := newTestEngine(t)
	before := e.State()
	require.NoError(t, e.SendText("0", "Jump 10"))
	require.NoError(t, e.SendText("0", "Move 10 x 30"))
	require.NoError(t, e.Send("0", ev3.Float(3.5)))
	assert.Equal(t, "1 0 0 0", e.Receive(""))
	assert.Equal(t, before.Ticks, e.State().Ticks)
}

func TestEngine_NonFiniteCommandIgnored(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	e, _ := newTestEngine(t)
	require.NoError(t, e.SendText("0", "Move 10 0 NaN"))
	require.NoError(t, e.SendText("0", "Move NaN Inf 30"))
	e.Step()
	out := e.Receive("")
	assert.Equal(t, "1 0 0 0", out)
	_, err := telemetry.Parse(out)
	assert.NoError(t, err)
}

func TestEngine_LatestPendingWins(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.SendText("0", "Move 0 10 30"))
	require.NoError(t, e.SendText("0", "Turn 30 90"))
	assert.Equal(t, "0 9 0 0", e.Receive(""))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{in: "Move 0 10 30", want: Command{Kind: CommandMove, Distance: 10, Power: 30}},
		{in: "Move -45.5 -3 20", want: Command{Kind: CommandMove, Angle: -45.5, Distance: -3, Power: 20}},
		{in: "Turn 30 90", want: Command{Kind: CommandTurn, Angle: 90, Power: 30}},
		{in: "Reset", want: Command{Kind: CommandReset}},
		{in: "Move 0 0 0", want: Command{Kind: CommandMove}},
		{in: "", wantErr: true},
		{in: "Move 1 2", wantErr: true},
		{in: "Move 1 2 three", wantErr: true},
		{in: "Move 10 0 -30", wantErr: true},
		{in: "Turn 0 90", wantErr: true},
		{in: "Reset now", wantErr: true},
		{in: "move 0 10 30", wantErr: true},
		{in: "Move 10 0 NaN", wantErr: true},
		{in: "Move 0 Inf 30", wantErr: true},
		{in: "Move -Inf 0 30", wantErr: true},
		{in: "Turn nan 90", wantErr: true},
		{in: "Move 0 1e400 30", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidCommand), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandString(t *testing.T) {
	for _, s := range []string{"Move 0 10 30", "Turn 30 -90", "Reset"} {
		c, err := ParseCommand(s)
		require.NoError(t, err)
		assert.Equal(t, s, c.String())
	}
}
