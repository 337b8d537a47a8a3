package brick

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/telemetry"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

const DefaultSendQueue = 16

// SessionConfig configures a Session. Zero values take defaults.
type SessionConfig struct {
	// Project is the brick program whose mailbox files Receive reads.
	Project string
	// SendQueue is the number of frames buffered for the writer.
	SendQueue int
	// OnFault is called once, on its own goroutine, when the transport fails.
	OnFault func(error)
	Clock   timeutil.Clock

	Endpoint Endpoint
	Serial   SerialNumber
}

// Stats counts pump activity.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Requests   uint64 `json:"requests"`
	Dropped    uint64 `json:"dropped"`
	Frames     uint64 `json:"frames"`
	Latched    uint64 `json:"latched"`
	NotFound   uint64 `json:"not_found"`
	Mismatches uint64 `json:"mismatches"`
}

type counters struct {
	sent, requests, dropped, frames, latched, notFound, mismatches atomic.Uint64
}

// Session owns one open transport to a brick. A reader goroutine decodes
// every reply and latches valid telemetry; a writer goroutine drains a
// bounded queue so frames are written whole and callers never block.
type Session struct {
	rwc     io.ReadWriteCloser
	project string
	clock   timeutil.Clock
	onFault func(error)

	endpoint Endpoint
	serial   SerialNumber

	latch telemetry.Latch
	sendq chan ev3.Frame
	stats counters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	err       error
	closeOnce sync.Once
	closeErr  error
}

// NewSession starts the pump over an already handshaken transport.
func NewSession(rwc io.ReadWriteCloser, cfg SessionConfig) *Session {
	if cfg.Project == "" {
		cfg.Project = ev3.DefaultProject
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		rwc:      rwc,
		project:  cfg.Project,
		clock:    cfg.Clock,
		onFault:  cfg.OnFault,
		endpoint: cfg.Endpoint,
		serial:   cfg.Serial,
		sendq:    make(chan ev3.Frame, cfg.SendQueue),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Endpoint returns the brick address, zero for serial transports.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// Serial returns the brick serial number.
func (s *Session) Serial() SerialNumber { return s.serial }

// Project returns the brick program name used for mailbox reads.
func (s *Session) Project() string { return s.project }

// Send queues a mailbox write.
func (s *Session) Send(mailbox string, p ev3.Payload) error {
	f, err := ev3.WriteMailbox(mailbox, p)
	if err != nil {
		return err
	}
	if err := s.enqueue(f); err != nil {
		return err
	}
	s.stats.sent.Add(1)
	return nil
}

// SendText queues a text mailbox write.
func (s *Session) SendText(mailbox, text string) error { return s.Send(mailbox, ev3.Text(text)) }

// SendFloat queues a numeric mailbox write.
func (s *Session) SendFloat(mailbox string, v float32) error { return s.Send(mailbox, ev3.Float(v)) }

// Receive returns the latched telemetry, possibly empty, and queues a read
// of mailbox for a later call. It never blocks; when the queue is full the
// read request is skipped and counted as dropped.
func (s *Session) Receive(mailbox string) string {
	if f, err := ev3.ReadMailboxViaFile(s.project, mailbox); err != nil {
		monitoring.Logf("brick: cannot request mailbox %q: %v", mailbox, err)
	} else if err := s.enqueue(f); err == nil {
		s.stats.requests.Add(1)
	}
	return s.latch.String()
}

// Latest returns the latched reading.
func (s *Session) Latest() (telemetry.Reading, bool) { return s.latch.Load() }

// Stats returns a snapshot of the pump counters.
func (s *Session) Stats() Stats {
	return Stats{
		Sent:       s.stats.sent.Load(),
		Requests:   s.stats.requests.Load(),
		Dropped:    s.stats.dropped.Load(),
		Frames:     s.stats.frames.Load(),
		Latched:    s.stats.latched.Load(),
		NotFound:   s.stats.notFound.Load(),
		Mismatches: s.stats.mismatches.Load(),
	}
}

// Done is closed when the session stops, by Close or by a fault.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns nil while the session runs, an error wrapping
// ErrTransportFault after a fault, or ErrClosed after Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) enqueue(f ev3.Frame) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case s.sendq <- f:
		return nil
	default:
		s.stats.dropped.Add(1)
		return ErrSendQueueFull
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		frame, err := ev3.ReadFrame(s.rwc)
		if err != nil {
			s.fail(fmt.Errorf("%w: read: %w", ErrTransportFault, err))
			return
		}
		s.stats.frames.Add(1)
		s.handleReply(frame)
	}
}

func (s *Session) handleReply(frame []byte) {
	reply, err := ev3.DecodeReply(frame)
	if err != nil {
		s.stats.mismatches.Add(1)
		monitoring.Debugf("brick: dropping reply: %v", err)
		return
	}
	switch reply.Kind {
	case ev3.ReplyNotFound:
		s.stats.notFound.Add(1)
		return
	case ev3.ReplyRaw:
		s.stats.mismatches.Add(1)
		monitoring.Debugf("brick: %v: %d byte frame", ev3.ErrDecodeMismatch, len(frame))
		return
	}
	snap, err := telemetry.Parse(reply.Text)
	if err != nil {
		s.stats.mismatches.Add(1)
		monitoring.Debugf("brick: %v: %v", ev3.ErrDecodeMismatch, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latch.Store(snap, s.clock.Now())
	s.stats.latched.Add(1)
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.sendq:
			if _, err := s.rwc.Write(f.Bytes()); err != nil {
				s.fail(fmt.Errorf("%w: write: %w", ErrTransportFault, err))
				return
			}
		}
	}
}

// fail records the first fault, stops the pump and notifies OnFault.
// Errors caused by Close are not faults.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()

	monitoring.Logf("brick: session %s faulted: %v", s.endpoint, err)
	s.cancel()
	s.rwc.Close()
	close(s.done)
	if s.onFault != nil {
		go s.onFault(err)
	}
}

// Close shuts the transport down in both directions and waits for the pump
// to stop. Later calls do nothing and return nil.
func (s *Session) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		faulted := s.err != nil
		if !faulted {
			s.err = ErrClosed
		}
		s.mu.Unlock()

		s.cancel()
		if !faulted {
			s.closeErr = shutdown(s.rwc)
			close(s.done)
		}
		s.wg.Wait()
	})
	if !first {
		return nil
	}
	return s.closeErr
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

func shutdown(rwc io.ReadWriteCloser) error {
	if hc, ok := rwc.(halfCloser); ok {
		_ = hc.CloseWrite()
		_ = hc.CloseRead()
	}
	if err := rwc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
