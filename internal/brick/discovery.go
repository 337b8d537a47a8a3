package brick

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/brickwire/internal/monitoring"
)

const (
	DefaultDiscoveryPort    = 3015
	DefaultConnectPort      = 5555
	DefaultDiscoveryTimeout = 10 * time.Second

	// discoveryPoll bounds each read so cancellation is noticed promptly.
	discoveryPoll = 100 * time.Millisecond
)

// discoveryAck is unicast to the brick to make it accept a TCP connection.
var discoveryAck = []byte("hi")

var (
	advertLine   = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z-]*):[ \t]*([^\r\n]*?)[ \t]*\r?$`)
	serialFormat = regexp.MustCompile(`^[0-9A-Za-z]+$`)
)

// SerialNumber identifies a brick; on an EV3 it is the Bluetooth MAC address
// in hex.
type SerialNumber string

// Endpoint is where a discovered brick accepts TCP connections.
type Endpoint struct {
	IP   net.IP
	Port int
	Name string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.Name == "" {
		return e.Address()
	}
	return e.Name + "@" + e.Address()
}

// Advert is a parsed presence broadcast.
type Advert struct {
	Serial   SerialNumber
	Port     int
	Name     string
	Protocol string
}

// ParseAdvert parses the text of a presence broadcast, for example
//
//	Serial-Number: 0016533f0c1e
//	Port: 5555
//	Name: EV3
//	Protocol: EV3
//
// Only the serial number is required. Port is zero when absent or invalid.
func ParseAdvert(b []byte) (Advert, error) {
	var a Advert
	for _, m := range advertLine.FindAllSubmatch(b, -1) {
		key, val := string(m[1]), string(m[2])
		switch strings.ToLower(key) {
		case "serial-number":
			a.Serial = SerialNumber(val)
		case "port":
			if p, err := strconv.Atoi(val); err == nil && p > 0 && p < 65536 {
				a.Port = p
			}
		case "name":
			a.Name = val
		case "protocol":
			a.Protocol = val
		}
	}
	if a.Serial == "" {
		return Advert{}, fmt.Errorf("%w: no Serial-Number", ErrDiscoveryMalformed)
	}
	if !serialFormat.MatchString(string(a.Serial)) {
		return Advert{}, fmt.Errorf("%w: serial %q", ErrDiscoveryMalformed, a.Serial)
	}
	return a, nil
}

// Filter restricts which brick is accepted. Empty fields match anything.
type Filter struct {
	Serial  SerialNumber
	Address string
}

func (f Filter) matches(a Advert, from *net.UDPAddr) bool {
	if f.Serial != "" && !strings.EqualFold(string(f.Serial), string(a.Serial)) {
		return false
	}
	if f.Address != "" {
		ip := net.ParseIP(f.Address)
		if ip == nil || !ip.Equal(from.IP) {
			return false
		}
	}
	return true
}

// DiscoveryConfig configures a Negotiator. Zero values take defaults.
type DiscoveryConfig struct {
	Port        int
	ConnectPort int
	Timeout     time.Duration
	Sockets     UDPSocketFactory
}

// Negotiator finds a brick by listening for its presence broadcast.
type Negotiator struct {
	port        int
	connectPort int
	timeout     time.Duration
	sockets     UDPSocketFactory
}

// NewNegotiator returns a negotiator with defaults filled in.
func NewNegotiator(cfg DiscoveryConfig) *Negotiator {
	n := &Negotiator{
		port:        cfg.Port,
		connectPort: cfg.ConnectPort,
		timeout:     cfg.Timeout,
		sockets:     cfg.Sockets,
	}
	if n.port == 0 {
		n.port = DefaultDiscoveryPort
	}
	if n.connectPort == 0 {
		n.connectPort = DefaultConnectPort
	}
	if n.timeout <= 0 {
		n.timeout = DefaultDiscoveryTimeout
	}
	if n.sockets == nil {
		n.sockets = RealUDPSocketFactory{}
	}
	return n
}

// Discover waits for the first broadcast accepted by f, acknowledges it and
// returns the brick's endpoint and serial number. The socket is owned by the
// call and closed before it returns.
func (n *Negotiator) Discover(ctx context.Context, f Filter) (Endpoint, SerialNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	sock, err := n.sockets.ListenUDP("udp4", &net.UDPAddr{Port: n.port})
	if err != nil {
		return Endpoint{}, "", fmt.Errorf("brick: listen for discovery on port %d: %w", n.port, err)
	}
	defer sock.Close()

	monitoring.Logf("brick: waiting up to %s for a presence broadcast on udp/%d", n.timeout, n.port)

	var (
		buf       = make([]byte, 1024)
		malformed int
		ignored   int
	)
	for {
		if ctx.Err() != nil {
			if malformed > 0 && ignored == 0 {
				return Endpoint{}, "", fmt.Errorf("%w: %d unparseable broadcasts: %w", ErrDiscoveryMalformed, malformed, ctx.Err())
			}
			return Endpoint{}, "", fmt.Errorf("%w: %w", ErrDiscoveryTimeout, ctx.Err())
		}

		_ = sock.SetReadDeadline(time.Now().Add(discoveryPoll))
		nr, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return Endpoint{}, "", fmt.Errorf("brick: discovery read: %w", err)
		}

		advert, err := ParseAdvert(buf[:nr])
		if err != nil {
			malformed++
			monitoring.Logf("brick: ignoring broadcast from %v: %v", from, err)
			continue
		}
		if !f.matches(advert, from) {
			ignored++
			monitoring.Logf("brick: ignoring brick %s at %v (filter %+v)", advert.Serial, from, f)
			continue
		}

		if _, err := sock.WriteToUDP(discoveryAck, from); err != nil {
			return Endpoint{}, "", fmt.Errorf("brick: acknowledge %v: %w", from, err)
		}

		ep := Endpoint{IP: from.IP, Port: n.connectPort, Name: advert.Name}
		if advert.Port != 0 {
			ep.Port = advert.Port
		}
		monitoring.Logf("brick: discovered %s serial %s", ep, advert.Serial)
		return ep, advert.Serial, nil
	}
}
