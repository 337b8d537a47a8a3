// Package sim is a dead-reckoning stand-in for a physical brick. It accepts
// the same text commands as the motion program on the brick and answers
// Receive with telemetry in the same shape, so callers cannot tell the two
// apart except by asking the link which mode it is in.
package sim

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCommand is returned by ParseCommand for text the motion program
// would not act on.
var ErrInvalidCommand = errors.New("sim: invalid command")

// CommandKind identifies a motion command.
type CommandKind int

const (
	CommandMove CommandKind = iota + 1
	CommandTurn
	CommandReset
)

func (k CommandKind) String() string {
	switch k {
	case CommandMove:
		return "Move"
	case CommandTurn:
		return "Turn"
	case CommandReset:
		return "Reset"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is a parsed motion command. Angle is in degrees, Distance in
// centimetres; their signs give the direction. Power is a positive motor
// power in percent.
type Command struct {
	Kind     CommandKind
	Angle    float64
	Distance float64
	Power    float64
}

// String renders the command in its wire form.
func (c Command) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	switch c.Kind {
	case CommandMove:
		return "Move " + f(c.Angle) + " " + f(c.Distance) + " " + f(c.Power)
	case CommandTurn:
		return "Turn " + f(c.Power) + " " + f(c.Angle)
	case CommandReset:
		return "Reset"
	default:
		return c.Kind.String()
	}
}

// ParseCommand parses one of
//
//	Move <angle> <distance> <power>
//	Turn <power> <angle>
//	Reset
func ParseCommand(s string) (Command, error) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return Command{}, fmt.Errorf("%w: empty", ErrInvalidCommand)
	}

	var (
		c    Command
		args []float64
	)
	switch tokens[0] {
	case "Move":
		c.Kind = CommandMove
	case "Turn":
		c.Kind = CommandTurn
	case "Reset":
		if len(tokens) != 1 {
			return Command{}, fmt.Errorf("%w: Reset takes no arguments", ErrInvalidCommand)
		}
		return Command{Kind: CommandReset}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrInvalidCommand, tokens[0])
	}

	for _, tok := range tokens[1:] {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Command{}, fmt.Errorf("%w: %s argument %q", ErrInvalidCommand, tokens[0], tok)
		}
		args = append(args, v)
	}

	switch c.Kind {
	case CommandMove:
		if len(args) != 3 {
			return Command{}, fmt.Errorf("%w: Move takes 3 arguments, got %d", ErrInvalidCommand, len(args))
		}
		c.Angle, c.Distance, c.Power = args[0], args[1], args[2]
	case CommandTurn:
		if len(args) != 2 {
			return Command{}, fmt.Errorf("%w: Turn takes 2 arguments, got %d", ErrInvalidCommand, len(args))
		}
		c.Power, c.Angle = args[0], args[1]
	}
	if c.Power <= 0 && (c.Angle != 0 || c.Distance != 0) {
		return Command{}, fmt.Errorf("%w: power %v must be positive", ErrInvalidCommand, c.Power)
	}
	return c, nil
}
