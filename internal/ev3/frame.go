// Package ev3 encodes and decodes the byte frames exchanged with an EV3 brick.
//
// Two outbound shapes are supported: the WRITEMAILBOX system command used to
// push a text or numeric message into a named mailbox, and a chained opFile
// direct command that reads the file backing a mailbox on the brick (the
// firmware exposes no direct mailbox-read primitive over the wire). Every
// frame starts with a two byte little-endian length that excludes itself.
package ev3

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// Command types (byte 4 of every frame).
const (
	CommandDirectReply   byte = 0x00
	CommandSystemNoReply byte = 0x81
)

// Reply types (byte 4 of a reply frame).
const (
	ReplyTypeDirect      byte = 0x02
	ReplyTypeDirectError byte = 0x04
)

const (
	opWriteMailbox byte = 0x9E
	opFile         byte = 0xC0

	fileOpenRead byte = 0x01
	fileReadText byte = 0x05
	fileClose    byte = 0x07

	// local constant string: a NUL terminated string follows
	lcs byte = 0x84

	// global variable offsets 0, 4 and 8
	gv0 byte = 0x60
	gv4 byte = 0x64
	gv8 byte = 0x68

	noDelimiter byte = 0x00
)

const (
	// MaxFieldLen is the largest string field including its NUL terminator.
	MaxFieldLen = 255

	// MaxReadText is the number of text bytes requested by READ_TEXT. It keeps
	// the reply inside the 256 byte reply buffer.
	MaxReadText = 0xF0

	// ReplyGlobals is the number of global bytes reserved by the read command so
	// that every reply is exactly ReplySize bytes long.
	ReplyGlobals = 0xFB

	// ReplySize is the total size of an opFile direct command reply.
	ReplySize = 256

	// MaxFrameSize bounds frames read from a stream transport.
	MaxFrameSize = 1026

	// DefaultProject is the brick program whose mailbox files are read.
	DefaultProject = "EV3Wifi"
)

var (
	ErrFieldTooLong = errors.New("ev3: string field exceeds 255 bytes")
	ErrNotASCII     = errors.New("ev3: string field is not printable ASCII")
	ErrEmptyField   = errors.New("ev3: string field is empty")
)

// Frame is one immutable outbound command frame.
type Frame struct {
	b []byte
}

// Bytes returns a copy of the encoded frame.
func (f Frame) Bytes() []byte {
	return append([]byte(nil), f.b...)
}

// Len returns the total frame size including the length prefix.
func (f Frame) Len() int { return len(f.b) }

func (f Frame) String() string { return hex.EncodeToString(f.b) }

// PayloadKind distinguishes mailbox message encodings.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadFloat
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadFloat:
		return "float"
	default:
		return fmt.Sprintf("PayloadKind(%d)", int(k))
	}
}

// Payload is a mailbox message: either NUL terminated ASCII text or a single
// IEEE-754 float, which is how the brick stores numeric mailbox values.
type Payload struct {
	Kind  PayloadKind
	Text  string
	Float float32
}

// Text returns a text payload.
func Text(s string) Payload { return Payload{Kind: PayloadText, Text: s} }

// Float returns a numeric payload.
func Float(v float32) Payload { return Payload{Kind: PayloadFloat, Float: v} }

func (p Payload) String() string {
	if p.Kind == PayloadFloat {
		return fmt.Sprintf("%g", p.Float)
	}
	return p.Text
}

func (p Payload) encode() ([]byte, error) {
	switch p.Kind {
	case PayloadText:
		return cString("message", p.Text, true)
	case PayloadFloat:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(p.Float)), nil
	default:
		return nil, fmt.Errorf("ev3: unknown payload kind %d", int(p.Kind))
	}
}

// cString validates s and returns it with a NUL terminator appended.
func cString(field, s string, allowEmpty bool) ([]byte, error) {
	if s == "" && !allowEmpty {
		return nil, fmt.Errorf("%w: %s", ErrEmptyField, field)
	}
	if len(s)+1 > MaxFieldLen {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLong, field, len(s)+1)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 || s[i] > 0x7E {
			return nil, fmt.Errorf("%w: %s byte %d is 0x%02x", ErrNotASCII, field, i, s[i])
		}
	}
	out := make([]byte, 0, len(s)+1)
	out = append(out, s...)
	return append(out, 0x00), nil
}

// withLength prefixes body with its little-endian length.
func withLength(body []byte) Frame {
	out := make([]byte, 0, len(body)+2)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(body)))
	return Frame{b: append(out, body...)}
}

// WriteMailbox builds a fire-and-forget WRITEMAILBOX system command.
//
//	[lenLo lenHi 0x00 0x00 0x81 0x9E mboxLen mbox... 0x00 msgLenLo msgLenHi payload...]
func WriteMailbox(mailbox string, p Payload) (Frame, error) {
	name, err := cString("mailbox", mailbox, false)
	if err != nil {
		return Frame{}, err
	}
	msg, err := p.encode()
	if err != nil {
		return Frame{}, err
	}

	body := make([]byte, 0, 7+len(name)+len(msg))
	body = append(body, 0x00, 0x00) // message counter, unused
	body = append(body, CommandSystemNoReply, opWriteMailbox)
	body = append(body, byte(len(name)))
	body = append(body, name...)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(msg)))
	body = append(body, msg...)
	return withLength(body), nil
}

// WriteMailboxText builds a WRITEMAILBOX frame carrying text.
func WriteMailboxText(mailbox, text string) (Frame, error) {
	return WriteMailbox(mailbox, Text(text))
}

// WriteMailboxFloat builds a WRITEMAILBOX frame carrying a float.
func WriteMailboxFloat(mailbox string, v float32) (Frame, error) {
	return WriteMailbox(mailbox, Float(v))
}

// MailboxFile returns the brick path of the file backing mailbox.
func MailboxFile(project, mailbox string) string {
	return "../prjs/" + project + "/" + mailbox + ".rtf"
}

// ReadMailboxViaFile builds a direct command that opens the mailbox file,
// reads up to MaxReadText bytes of text and closes it again, all in one
// round trip. The reply is always ReplySize bytes.
func ReadMailboxViaFile(project, mailbox string) (Frame, error) {
	if project == "" {
		return Frame{}, fmt.Errorf("%w: project", ErrEmptyField)
	}
	if mailbox == "" {
		return Frame{}, fmt.Errorf("%w: mailbox", ErrEmptyField)
	}
	name, err := cString("file name", MailboxFile(project, mailbox), false)
	if err != nil {
		return Frame{}, err
	}

	body := make([]byte, 0, 20+len(name))
	body = append(body, 0x00, 0x00) // message counter, unused
	body = append(body, CommandDirectReply)
	body = append(body, ReplyGlobals, 0x00) // globals, locals
	body = append(body, opFile, fileOpenRead, lcs)
	body = append(body, name...)
	body = append(body, gv0, gv4) // handle, size
	body = append(body, opFile, fileReadText, gv0, noDelimiter, MaxReadText, gv8)
	body = append(body, opFile, fileClose, gv0)
	return withLength(body), nil
}
