package brick

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn used by discovery.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates discovery sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory opens real sockets with net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockPacket is one datagram queued on a MockUDPSocket.
type MockPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket replays queued datagrams and records what is written to it.
// When the queue is empty a read waits out the read deadline, capped at
// 100ms, and returns a timeout, the way a quiet real socket behaves.
type MockUDPSocket struct {
	mu       sync.Mutex
	packets  []MockPacket
	written  []MockPacket
	deadline time.Time
	closed   bool
	readErr  error
	writeErr error
	local    *net.UDPAddr
}

// NewMockUDPSocket returns a socket that will deliver packets in order.
func NewMockUDPSocket(packets ...MockPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets: packets,
		local:   &net.UDPAddr{IP: net.IPv4zero, Port: DefaultDiscoveryPort},
	}
}

// Push queues more datagrams.
func (m *MockUDPSocket) Push(packets ...MockPacket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, packets...)
}

// FailReads makes the next read return err.
func (m *MockUDPSocket) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes every write return err.
func (m *MockUDPSocket) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if err := m.readErr; err != nil {
		m.readErr = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if len(m.packets) == 0 {
		wait := time.Until(m.deadline)
		m.mu.Unlock()
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		if wait > 0 {
			time.Sleep(wait)
		}
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.packets[0]
	m.packets = m.packets[1:]
	m.mu.Unlock()
	return copy(b, pkt.Data), pkt.Addr, nil
}

func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written = append(m.written, MockPacket{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

// Written returns every datagram written so far.
func (m *MockUDPSocket) Written() []MockPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockPacket(nil), m.written...)
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockUDPSocket) LocalAddr() net.Addr { return m.local }

// MockUDPSocketFactory hands out a fixed socket and records listen calls.
type MockUDPSocketFactory struct {
	mu      sync.Mutex
	Socket  *MockUDPSocket
	Err     error
	listens []*net.UDPAddr
}

func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens = append(f.listens, laddr)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Socket, nil
}

// Listens returns the addresses passed to ListenUDP.
func (f *MockUDPSocketFactory) Listens() []*net.UDPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*net.UDPAddr(nil), f.listens...)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
