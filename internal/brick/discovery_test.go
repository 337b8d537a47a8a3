package brick

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/brickwire/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	code := m.Run()
	monitoring.SetLogger(log.Printf)
	os.Exit(code)
}

const advertText = "Serial-Number: 0016533f0c1e\r\nPort: 5555\r\nName: EV3\r\nProtocol: EV3\r\n"

func TestParseAdvert(t *testing.T) {
	a, err := ParseAdvert([]byte(advertText))
	require.NoError(t, err)
	assert.Equal(t, Advert{Serial: "0016533f0c1e", Port: 5555, Name: "EV3", Protocol: "EV3"}, a)

	a, err = ParseAdvert([]byte("Serial-Number: ABC123"))
	require.NoError(t, err)
	assert.Equal(t, SerialNumber("ABC123"), a.Serial)
	assert.Zero(t, a.Port)

	a, err = ParseAdvert([]byte("Serial-Number: 1\nPort: 99999\n"))
	require.NoError(t, err)
	assert.Zero(t, a.Port, "out of range port is ignored")

	for _, bad := range []string{"", "hello", "Serial-Number: \r\n", "Serial-Number: has space", "Port: 5555"} {
		_, err := ParseAdvert([]byte(bad))
		assert.ErrorIs(t, err, ErrDiscoveryMalformed, "input %q", bad)
	}
}

func brickAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 49365}
}

func TestDiscover_FirstMatchIsAcknowledged(t *testing.T) {
	sock := NewMockUDPSocket(MockPacket{Data: []byte(advertText), Addr: brickAddr()})
	factory := &MockUDPSocketFactory{Socket: sock}
	n := NewNegotiator(DiscoveryConfig{Sockets: factory, Timeout: time.Second})

	ep, sn, err := n.Discover(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, SerialNumber("0016533f0c1e"), sn)
	assert.Equal(t, "192.168.1.40:5555", ep.Address())
	assert.Equal(t, "EV3", ep.Name)

	written := sock.Written()
	require.Len(t, written, 1)
	assert.Equal(t, []byte("hi"), written[0].Data)
	assert.Equal(t, brickAddr().String(), written[0].Addr.String())

	assert.True(t, sock.Closed(), "discovery socket must be released")
	listens := factory.Listens()
	require.Len(t, listens, 1)
	assert.Equal(t, DefaultDiscoveryPort, listens[0].Port)
}

func TestDiscover_AdvertisedPortOverridesDefault(t *testing.T) {
	sock := NewMockUDPSocket(MockPacket{Data: []byte("Serial-Number: 42\r\nPort: 6000\r\n"), Addr: brickAddr()})
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, ConnectPort: 1234})
	ep, _, err := n.Discover(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 6000, ep.Port)

	sock = NewMockUDPSocket(MockPacket{Data: []byte("Serial-Number: 42\r\n"), Addr: brickAddr()})
	n = NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, ConnectPort: 1234})
	ep, _, err = n.Discover(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1234, ep.Port)
}

func TestDiscover_SkipsMalformedAndFiltered(t *testing.T) {
	other := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 41), Port: 1}
	sock := NewMockUDPSocket(
		MockPacket{Data: []byte("garbage"), Addr: other},
		MockPacket{Data: []byte("Serial-Number: AAAA\r\n"), Addr: other},
		MockPacket{Data: []byte("Serial-Number: BBBB\r\n"), Addr: brickAddr()},
	)
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, Timeout: time.Second})

	_, sn, err := n.Discover(context.Background(), Filter{Serial: "bbbb"})
	require.NoError(t, err)
	assert.Equal(t, SerialNumber("BBBB"), sn)
	require.Len(t, sock.Written(), 1)
	assert.Equal(t, brickAddr().String(), sock.Written()[0].Addr.String())
}

func TestDiscover_AddressFilter(t *testing.T) {
	sock := NewMockUDPSocket(
		MockPacket{Data: []byte("Serial-Number: AAAA\r\n"), Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1}},
		MockPacket{Data: []byte("Serial-Number: BBBB\r\n"), Addr: brickAddr()},
	)
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, Timeout: time.Second})
	_, sn, err := n.Discover(context.Background(), Filter{Address: "192.168.1.40"})
	require.NoError(t, err)
	assert.Equal(t, SerialNumber("BBBB"), sn)
}

func TestDiscover_SerialFilterIsStrict(t *testing.T) {
	advert := MockPacket{Data: []byte(advertText), Addr: brickAddr()}

	// an address does not excuse a serial that does not match
	sock := NewMockUDPSocket(advert)
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, Timeout: 150 * time.Millisecond})
	_, _, err := n.Discover(context.Background(), Filter{Serial: "1234", Address: "192.168.1.40"})
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Empty(t, sock.Written())

	sock = NewMockUDPSocket(advert)
	n = NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, Timeout: time.Second})
	_, sn, err := n.Discover(context.Background(), Filter{Address: "192.168.1.40"})
	require.NoError(t, err)
	assert.Equal(t, SerialNumber("0016533f0c1e"), sn)
}

func TestDiscover_Timeout(t *testing.T) {
	sock := NewMockUDPSocket()
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, Timeout: 150 * time.Millisecond})

	start := time.Now()
	_, _, err := n.Discover(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, sock.Written())
}

func TestDiscover_OnlyMalformed(t *testing.T) {
	sock := NewMockUDPSocket(MockPacket{Data: []byte("Serial-Number:"), Addr: brickAddr()})
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}, Timeout: 150 * time.Millisecond})
	_, _, err := n.Discover(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrDiscoveryMalformed)
}

func TestDiscover_Cancelled(t *testing.T) {
	sock := NewMockUDPSocket()
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, _, err := n.Discover(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
}

func TestDiscover_SocketErrors(t *testing.T) {
	boom := errors.New("no buffer space")
	n := NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Err: boom}})
	_, _, err := n.Discover(context.Background(), Filter{})
	assert.ErrorIs(t, err, boom)

	sock := NewMockUDPSocket()
	sock.FailReads(boom)
	n = NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}})
	_, _, err = n.Discover(context.Background(), Filter{})
	assert.ErrorIs(t, err, boom)

	sock = NewMockUDPSocket(MockPacket{Data: []byte(advertText), Addr: brickAddr()})
	sock.FailWrites(boom)
	n = NewNegotiator(DiscoveryConfig{Sockets: &MockUDPSocketFactory{Socket: sock}})
	_, _, err = n.Discover(context.Background(), Filter{})
	assert.ErrorIs(t, err, boom)
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	assert.Equal(t, "10.0.0.2:5555", ep.String())
	ep.Name = "EV3"
	assert.Equal(t, "EV3@10.0.0.2:5555", ep.String())
}
