package brick

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
)

const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second

	acceptPrefix = "Accept:"
	trailerWait  = 50 * time.Millisecond
)

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectorConfig configures a Connector. Zero values take defaults.
type ConnectorConfig struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Dialer           ContextDialer
}

// Connector opens the TCP stream to a discovered brick and performs the
// plaintext handshake that unlocks the command channel.
type Connector struct {
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	dialer           ContextDialer
}

// NewConnector returns a connector with defaults filled in.
func NewConnector(cfg ConnectorConfig) *Connector {
	c := &Connector{
		dialTimeout:      cfg.DialTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		dialer:           cfg.Dialer,
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = DefaultConnectTimeout
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = DefaultHandshakeTimeout
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{}
	}
	return c
}

// Handshake returns the request line that identifies the caller to a brick.
func Handshake(sn SerialNumber) string {
	return "GET /target?sn=" + string(sn) + " VMTP1.0\nProtocol: EV3"
}

// Connect dials ep and completes the handshake. The returned string is the
// brick's acceptance line, for example "Accept:EV340". Every failure wraps
// ErrConnectFailed.
func (c *Connector) Connect(ctx context.Context, ep Endpoint, sn SerialNumber) (net.Conn, string, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dctx, "tcp", ep.Address())
	if err != nil {
		return nil, "", fmt.Errorf("%w: dial %s: %w", ErrConnectFailed, ep.Address(), err)
	}

	accept, err := c.handshake(ctx, conn, sn)
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("%w: handshake with %s: %w", ErrConnectFailed, ep.Address(), err)
	}
	monitoring.Logf("brick: connected to %s (%s)", ep, accept)
	return conn, accept, nil
}

func (c *Connector) handshake(ctx context.Context, conn net.Conn, sn SerialNumber) (string, error) {
	deadline := time.Now().Add(c.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	defer conn.SetDeadline(time.Time{})

	// unblock the read below if the caller gives up early
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write([]byte(Handshake(sn))); err != nil {
		return "", err
	}

	var got []byte
	buf := make([]byte, ev3.ReplySize)
	for {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if line, ok, bad := acceptLine(got); ok {
			if !bytes.HasSuffix(got, []byte("\r\n\r\n")) {
				drainTrailer(conn)
			}
			return line, nil
		} else if bad {
			reply, _ := ev3.DecodeReply(got)
			return "", fmt.Errorf("unexpected reply %q", reply.Text)
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
	}
}

// drainTrailer consumes the blank line that ends the acceptance when it
// arrives in a later segment, so the reply stream starts on a frame boundary.
func drainTrailer(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(trailerWait))
	var buf [8]byte
	_, _ = conn.Read(buf[:])
}

// acceptLine inspects the bytes read so far. ok is set once the acceptance
// prefix is complete; the line runs to the first line break, if any. bad is
// set once the bytes can no longer become an acceptance.
func acceptLine(got []byte) (line string, ok, bad bool) {
	text := bytes.TrimLeft(got, "\r\n")
	n := min(len(text), len(acceptPrefix))
	if !bytes.Equal(text[:n], []byte(acceptPrefix[:n])) {
		return "", false, true
	}
	if n < len(acceptPrefix) {
		return "", false, false
	}
	if i := bytes.IndexAny(text, "\r\n"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(string(text)), true, false
}
