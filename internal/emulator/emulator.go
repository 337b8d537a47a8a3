// Package emulator serves a virtual EV3 on the network. It broadcasts
// presence adverts, accepts the TCP handshake and answers mailbox frames
// from a simulated robot, so the full Wi-Fi pipeline can run without
// hardware.
package emulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
)

const (
	DefaultOutbox            = "EV3_OUTBOX0"
	DefaultBroadcastInterval = time.Second
	acceptReply              = "Accept:EV340\r\n\r\n"
	handshakeMarker          = "Protocol: EV3"
)

// Robot is what the emulator forwards mailbox traffic to. *sim.Engine
// satisfies it.
type Robot interface {
	SendText(mailbox, text string) error
	SendFloat(mailbox string, v float32) error
	Receive(mailbox string) string
}

// Config configures an Emulator.
type Config struct {
	Serial  brick.SerialNumber
	Name    string
	Project string
	// Outbox is the mailbox whose backing file holds telemetry.
	Outbox string
	Robot  Robot
	// Reply, when set, replaces the file read answer. It receives the file
	// name requested and returns a complete reply frame.
	Reply func(file string) []byte
}

// Emulator is one virtual brick.
type Emulator struct {
	cfg Config

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	messages []ev3.MailboxMessage
	closed   bool
	wg       sync.WaitGroup
}

// New returns an emulator; call Listen then Serve.
func New(cfg Config) *Emulator {
	if cfg.Serial == "" {
		cfg.Serial = "0016533f0c1e"
	}
	if cfg.Name == "" {
		cfg.Name = "EV3"
	}
	if cfg.Project == "" {
		cfg.Project = ev3.DefaultProject
	}
	if cfg.Outbox == "" {
		cfg.Outbox = DefaultOutbox
	}
	return &Emulator{cfg: cfg, conns: make(map[net.Conn]struct{})}
}

// Listen opens the TCP command port.
func (e *Emulator) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ln = ln
	e.mu.Unlock()
	return nil
}

// Addr returns the TCP listen address.
func (e *Emulator) Addr() *net.TCPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr().(*net.TCPAddr)
}

// Advert returns the presence broadcast text.
func (e *Emulator) Advert() []byte {
	port := brick.DefaultConnectPort
	if a := e.Addr(); a != nil {
		port = a.Port
	}
	return []byte("Serial-Number: " + string(e.cfg.Serial) + "\r\n" +
		"Port: " + strconv.Itoa(port) + "\r\n" +
		"Name: " + e.cfg.Name + "\r\n" +
		"Protocol: EV3\r\n")
}

// Broadcast sends the advert to dst every interval until ctx ends. An
// acknowledgment read back on sock is logged.
func (e *Emulator) Broadcast(ctx context.Context, sock brick.UDPSocket, dst *net.UDPAddr, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	buf := make([]byte, 64)
	for {
		if _, err := sock.WriteToUDP(e.Advert(), dst); err != nil {
			return fmt.Errorf("emulator: broadcast: %w", err)
		}
		_ = sock.SetReadDeadline(time.Now().Add(interval / 2))
		if n, from, err := sock.ReadFromUDP(buf); err == nil {
			monitoring.Logf("emulator: %q from %v", buf[:n], from)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Serve accepts connections until ctx ends or Close is called.
func (e *Emulator) Serve(ctx context.Context) error {
	e.mu.Lock()
	ln := e.ln
	e.mu.Unlock()
	if ln == nil {
		return errors.New("emulator: Serve before Listen")
	}
	stop := context.AfterFunc(ctx, func() { e.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			conn.Close()
			return nil
		}
		e.conns[conn] = struct{}{}
		e.wg.Add(1)
		e.mu.Unlock()
		go e.handle(conn)
	}
}

// Close stops the listener and drops every connection.
func (e *Emulator) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var err error
	if e.ln != nil {
		err = e.ln.Close()
	}
	for c := range e.conns {
		c.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return err
}

// DropConnections closes every open connection but keeps listening, which
// a client sees as a transport fault.
func (e *Emulator) DropConnections() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		c.Close()
	}
}

// Messages returns every mailbox write received so far.
func (e *Emulator) Messages() []ev3.MailboxMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ev3.MailboxMessage(nil), e.messages...)
}

func (e *Emulator) handle(conn net.Conn) {
	defer e.wg.Done()
	defer func() {
		conn.Close()
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
	}()

	if err := e.handshake(conn); err != nil {
		monitoring.Logf("emulator: handshake from %v: %v", conn.RemoteAddr(), err)
		return
	}
	for {
		frame, err := ev3.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				monitoring.Logf("emulator: read from %v: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if reply := e.apply(frame); reply != nil {
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}
}

func (e *Emulator) handshake(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(brick.DefaultHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var got []byte
	buf := make([]byte, ev3.ReplySize)
	for !bytes.Contains(got, []byte(handshakeMarker)) {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return err
		}
		if len(got) > 1024 {
			return errors.New("handshake too long")
		}
	}
	want := strings.TrimSuffix(brick.Handshake(e.cfg.Serial), handshakeMarker)
	if !strings.HasPrefix(string(got), want) {
		conn.Write([]byte("Reject\r\n\r\n"))
		return fmt.Errorf("unexpected handshake %q", got)
	}
	_, err := conn.Write([]byte(acceptReply))
	return err
}

// apply handles one command frame and returns the reply, if any.
func (e *Emulator) apply(frame []byte) []byte {
	if file, ok := ev3.IsReadMailboxViaFile(frame); ok {
		if e.cfg.Reply != nil {
			return e.cfg.Reply(file)
		}
		if file != ev3.MailboxFile(e.cfg.Project, e.cfg.Outbox) || e.cfg.Robot == nil {
			return ev3.NotFoundReply()
		}
		return ev3.TextReply(e.cfg.Robot.Receive(e.cfg.Outbox))
	}

	msg, err := ev3.DecodeWriteMailbox(frame)
	if err != nil {
		monitoring.Logf("emulator: ignoring frame % x: %v", frame, err)
		return nil
	}
	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
	if e.cfg.Robot == nil {
		return nil
	}
	if text, ok := msg.Text(); ok {
		_ = e.cfg.Robot.SendText(msg.Mailbox, text)
	} else if v, ok := msg.Float(); ok {
		_ = e.cfg.Robot.SendFloat(msg.Mailbox, v)
	}
	return nil
}
