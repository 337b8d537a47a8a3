package ev3

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MailboxMessage is a decoded WRITEMAILBOX command.
type MailboxMessage struct {
	Mailbox string
	Payload []byte
}

// Text interprets the payload as a NUL terminated string.
func (m MailboxMessage) Text() (string, bool) {
	n := len(m.Payload)
	if n == 0 || m.Payload[n-1] != 0 {
		return "", false
	}
	return string(m.Payload[:n-1]), true
}

// Float interprets the payload as a little-endian float32.
func (m MailboxMessage) Float() (float32, bool) {
	if len(m.Payload) != 4 {
		return 0, false
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(m.Payload)), true
}

// DecodeWriteMailbox parses a complete WRITEMAILBOX frame. It is the inverse
// of WriteMailbox and is what a brick, or a fake brick, applies to the bytes
// it receives.
func DecodeWriteMailbox(frame []byte) (MailboxMessage, error) {
	if len(frame) < 9 {
		return MailboxMessage{}, fmt.Errorf("%w: mailbox frame of %d bytes", ErrDecodeMismatch, len(frame))
	}
	if n := int(binary.LittleEndian.Uint16(frame)); n != len(frame)-2 {
		return MailboxMessage{}, fmt.Errorf("%w: length prefix %d for %d byte body", ErrDecodeMismatch, n, len(frame)-2)
	}
	if frame[4]&^0x80 != 0x01 || frame[5] != opWriteMailbox {
		return MailboxMessage{}, fmt.Errorf("%w: command 0x%02x opcode 0x%02x", ErrDecodeMismatch, frame[4], frame[5])
	}

	nameLen := int(frame[6])
	nameEnd := 7 + nameLen
	if nameLen == 0 || nameEnd+2 > len(frame) || frame[nameEnd-1] != 0 {
		return MailboxMessage{}, fmt.Errorf("%w: mailbox name length %d", ErrDecodeMismatch, nameLen)
	}
	msgLen := int(binary.LittleEndian.Uint16(frame[nameEnd:]))
	if nameEnd+2+msgLen != len(frame) {
		return MailboxMessage{}, fmt.Errorf("%w: message length %d", ErrDecodeMismatch, msgLen)
	}
	return MailboxMessage{
		Mailbox: string(frame[7 : nameEnd-1]),
		Payload: append([]byte(nil), frame[nameEnd+2:]...),
	}, nil
}

// IsWriteMailbox reports whether frame looks like a WRITEMAILBOX command.
func IsWriteMailbox(frame []byte) bool {
	return len(frame) > 5 && frame[5] == opWriteMailbox && frame[4]&^0x80 == 0x01
}

// IsReadMailboxViaFile reports whether frame is a file read direct command and
// returns the file name it opens.
func IsReadMailboxViaFile(frame []byte) (string, bool) {
	const nameOffset = 10
	if len(frame) <= nameOffset || frame[4] != CommandDirectReply ||
		frame[7] != opFile || frame[8] != fileOpenRead || frame[9] != lcs {
		return "", false
	}
	end := nameOffset + indexNUL(frame[nameOffset:])
	if end < nameOffset {
		return "", false
	}
	return string(frame[nameOffset:end]), true
}
