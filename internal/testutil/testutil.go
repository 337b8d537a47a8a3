// Package testutil holds helpers shared by the brick, link and daemon tests.
package testutil

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
)

// Bounds for require.Eventually on goroutine driven state.
const (
	WaitFor = 2 * time.Second
	Tick    = 5 * time.Millisecond
)

// MuteLogs silences monitoring.Logf until the test ends.
func MuteLogs(t testing.TB) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(original) })
}

// Responder answers one frame. A nil reply sends nothing back.
type Responder func(frame []byte) []byte

// TelemetryResponder answers every mailbox file read with text and ignores
// mailbox writes.
func TelemetryResponder(text string) Responder {
	return func(frame []byte) []byte {
		if _, ok := ev3.IsReadMailboxViaFile(frame); ok {
			return ev3.TextReply(text)
		}
		return nil
	}
}

// FakePort is the brick end of an in-memory stream link, such as a paired
// serial device. It reads length-prefixed frames and records them.
type FakePort struct {
	conn net.Conn

	mu     sync.Mutex
	frames [][]byte
	done   chan struct{}
}

// NewFakePort returns the host end of a pipe and the fake brick serving the
// other end with reply. Both ends are closed when the test ends.
func NewFakePort(t testing.TB, reply Responder) (net.Conn, *FakePort) {
	t.Helper()
	host, dev := net.Pipe()
	p := &FakePort{conn: dev, done: make(chan struct{})}
	go p.serve(reply)
	t.Cleanup(func() {
		dev.Close()
		host.Close()
		<-p.done
	})
	return host, p
}

func (p *FakePort) serve(reply Responder) {
	defer close(p.done)
	for {
		frame, err := ev3.ReadFrame(p.conn)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.frames = append(p.frames, frame)
		p.mu.Unlock()
		if reply == nil {
			continue
		}
		if out := reply(frame); out != nil {
			if _, err := p.conn.Write(out); err != nil {
				return
			}
		}
	}
}

// Frames returns copies of the frames received so far.
func (p *FakePort) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.frames))
	for i, f := range p.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Writes decodes the mailbox writes received so far.
func (p *FakePort) Writes() []ev3.MailboxMessage {
	var out []ev3.MailboxMessage
	for _, f := range p.Frames() {
		if !ev3.IsWriteMailbox(f) {
			continue
		}
		if m, err := ev3.DecodeWriteMailbox(f); err == nil {
			out = append(out, m)
		}
	}
	return out
}
