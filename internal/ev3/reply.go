package ev3

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDecodeMismatch is returned when bytes do not have the expected shape.
var ErrDecodeMismatch = errors.New("ev3: unrecognised reply shape")

// Offsets into a ReplySize direct reply. The first four global bytes hold the
// file handle, the next four the file size as reported by OPEN_READ; the text
// read by READ_TEXT starts at global offset 8.
const (
	replyTypeOffset = 4
	replyLenOffset  = 9
	replyTextOffset = 13
)

// ReplyKind classifies a decoded reply.
type ReplyKind int

const (
	// ReplyRaw is any reply that is not a ReplySize direct reply. The bytes are
	// passed through as text, which is how the handshake answer is read.
	ReplyRaw ReplyKind = iota
	// ReplyText is a direct reply carrying mailbox file text.
	ReplyText
	// ReplyNotFound is a direct reply whose reported length is zero, meaning
	// the mailbox file did not exist or was empty.
	ReplyNotFound
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyRaw:
		return "raw"
	case ReplyText:
		return "text"
	case ReplyNotFound:
		return "not-found"
	default:
		return fmt.Sprintf("ReplyKind(%d)", int(k))
	}
}

// Reply is one decoded brick reply.
type Reply struct {
	Kind ReplyKind
	Text string
	// Type is the reply type byte of a direct reply (ReplyTypeDirect or
	// ReplyTypeDirectError); zero for raw replies.
	Type byte
}

// DecodeReply decodes one complete reply, including its length prefix.
func DecodeReply(buf []byte) (Reply, error) {
	if len(buf) == 0 {
		return Reply{}, fmt.Errorf("%w: empty reply", ErrDecodeMismatch)
	}
	if len(buf) != ReplySize {
		return Reply{Kind: ReplyRaw, Text: string(buf)}, nil
	}

	r := Reply{Type: buf[replyTypeOffset]}
	n := int(buf[replyLenOffset])
	if n == 0 {
		r.Kind = ReplyNotFound
		return r, nil
	}
	end := replyTextOffset + n - 1
	if end > len(buf) {
		return Reply{}, fmt.Errorf("%w: text length %d overruns reply", ErrDecodeMismatch, n)
	}
	text := buf[replyTextOffset:end]
	if i := indexNUL(text); i >= 0 {
		text = text[:i]
	}
	r.Kind = ReplyText
	r.Text = strings.TrimRight(string(text), "\r\n")
	return r, nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// ReadFrame reads one length-prefixed frame from r and returns it with the
// prefix included, ready for DecodeReply. A zero length prefix is returned
// as a bare 2-byte frame; the brick sends those after a file close. Only a
// length past MaxFrameSize is an error, since the stream cannot be resynced.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	if n == 0 {
		return hdr[:], nil
	}
	if n+2 > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrDecodeMismatch, n)
	}
	buf := make([]byte, n+2)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[2:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// TextReply builds a ReplySize direct reply carrying text, the way the brick
// answers ReadMailboxViaFile. It is used by fakes and tests.
func TextReply(text string) []byte {
	buf := make([]byte, ReplySize)
	binary.LittleEndian.PutUint16(buf, ReplySize-2)
	buf[replyTypeOffset] = ReplyTypeDirect
	if text == "" {
		return buf
	}
	if len(text) > MaxReadText-1 {
		text = text[:MaxReadText-1]
	}
	// length includes the trailing carriage return written by the brick
	buf[replyLenOffset] = byte(len(text) + 1)
	copy(buf[replyTextOffset:], text)
	buf[replyTextOffset+len(text)] = '\r'
	return buf
}

// NotFoundReply builds a ReplySize direct error reply with a zero length.
func NotFoundReply() []byte {
	buf := make([]byte, ReplySize)
	binary.LittleEndian.PutUint16(buf, ReplySize-2)
	buf[replyTypeOffset] = ReplyTypeDirectError
	return buf
}
