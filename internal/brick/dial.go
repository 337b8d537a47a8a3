package brick

import (
	"context"
)

// DialConfig groups the configuration of the connect pipeline.
type DialConfig struct {
	Discovery DiscoveryConfig
	Connector ConnectorConfig
	Session   SessionConfig
}

// Dialer runs discovery, the TCP handshake and starts the pump. Each Dial
// creates fresh sockets; nothing is reused between sessions.
type Dialer struct {
	negotiator *Negotiator
	connector  *Connector
	session    SessionConfig
}

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg DialConfig) *Dialer {
	return &Dialer{
		negotiator: NewNegotiator(cfg.Discovery),
		connector:  NewConnector(cfg.Connector),
		session:    cfg.Session,
	}
}

// Dial discovers a brick accepted by f, connects and returns the running
// session. It blocks until the session is ready or a timeout elapses.
func (d *Dialer) Dial(ctx context.Context, f Filter) (*Session, error) {
	ep, sn, err := d.negotiator.Discover(ctx, f)
	if err != nil {
		return nil, err
	}
	conn, _, err := d.connector.Connect(ctx, ep, sn)
	if err != nil {
		return nil, err
	}
	cfg := d.session
	cfg.Endpoint = ep
	cfg.Serial = sn
	return NewSession(conn, cfg), nil
}
