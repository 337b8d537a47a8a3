// Package capture decodes brick traffic from pcap and pcapng files: presence
// broadcasts on the discovery port, and the handshake, mailbox writes, file
// reads and replies carried over the TCP connect port.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
)

// maxTextPrefix bounds how much unterminated handshake text is buffered
// before the stream is declared junk.
const maxTextPrefix = 512

// ErrStop may be returned by a callback to end a Read early without error.
var ErrStop = errors.New("capture: stop")

var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// EventKind classifies a decoded event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventAdvert
	EventDiscoveryAck
	EventHandshake
	EventAccept
	EventWrite
	EventRead
	EventReply
)

func (k EventKind) String() string {
	switch k {
	case EventUnknown:
		return "unknown"
	case EventAdvert:
		return "advert"
	case EventDiscoveryAck:
		return "ack"
	case EventHandshake:
		return "handshake"
	case EventAccept:
		return "accept"
	case EventWrite:
		return "write"
	case EventRead:
		return "read"
	case EventReply:
		return "reply"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one decoded protocol unit.
type Event struct {
	Time time.Time
	Src  string
	Dst  string
	Kind EventKind

	// Serial and Name are set for adverts; Serial also for handshakes.
	Serial brick.SerialNumber
	Name   string
	Port   int

	// Mailbox is set for writes and reads.
	Mailbox string
	Message ev3.Payload
	// File is the brick path opened by a read.
	File string

	Reply ev3.Reply
	// Text holds the accept line, and the raw text of anything unknown.
	Text string
	Raw  []byte
}

func (e Event) String() string {
	head := fmt.Sprintf("%s %s -> %s %-9s", e.Time.Format("15:04:05.000"), e.Src, e.Dst, e.Kind)
	switch e.Kind {
	case EventAdvert:
		return fmt.Sprintf("%s serial=%s name=%q port=%d", head, e.Serial, e.Name, e.Port)
	case EventHandshake:
		return fmt.Sprintf("%s serial=%s", head, e.Serial)
	case EventAccept:
		return fmt.Sprintf("%s %s", head, e.Text)
	case EventWrite:
		return fmt.Sprintf("%s mailbox=%s %s=%q", head, e.Mailbox, e.Message.Kind, e.Message.String())
	case EventRead:
		return fmt.Sprintf("%s mailbox=%s", head, e.Mailbox)
	case EventReply:
		return fmt.Sprintf("%s %s %q", head, e.Reply.Kind, e.Reply.Text)
	case EventUnknown:
		return fmt.Sprintf("%s %d bytes", head, len(e.Raw))
	default:
		return head
	}
}

// Options selects the ports treated as brick traffic. Zero values take the
// brick defaults.
type Options struct {
	DiscoveryPort int
	ConnectPort   int
}

func (o Options) withDefaults() Options {
	if o.DiscoveryPort == 0 {
		o.DiscoveryPort = brick.DefaultDiscoveryPort
	}
	if o.ConnectPort == 0 {
		o.ConnectPort = brick.DefaultConnectPort
	}
	return o
}

// Summary counts what a Read saw.
type Summary struct {
	Packets    int `json:"packets"`
	Adverts    int `json:"adverts"`
	Acks       int `json:"acks"`
	Handshakes int `json:"handshakes"`
	Accepts    int `json:"accepts"`
	Writes     int `json:"writes"`
	Reads      int `json:"reads"`
	Replies    int `json:"replies"`
	Unknown    int `json:"unknown"`
}

func (s *Summary) count(k EventKind) {
	switch k {
	case EventAdvert:
		s.Adverts++
	case EventDiscoveryAck:
		s.Acks++
	case EventHandshake:
		s.Handshakes++
	case EventAccept:
		s.Accepts++
	case EventWrite:
		s.Writes++
	case EventRead:
		s.Reads++
	case EventReply:
		s.Replies++
	default:
		s.Unknown++
	}
}

// ReadFile opens path and calls Read on it.
func ReadFile(ctx context.Context, path string, opts Options, fn func(Event) error) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()
	return Read(ctx, f, opts, fn)
}

// Read decodes every brick event in a pcap or pcapng stream, in capture
// order, calling fn for each. An error from fn stops the read and is
// returned.
func Read(ctx context.Context, r io.Reader, opts Options, fn func(Event) error) (Summary, error) {
	src, err := openSource(r)
	if err != nil {
		return Summary{}, err
	}
	d := &decoder{opts: opts.withDefaults(), fn: fn}
	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(d))

	packetSource := gopacket.NewPacketSource(src, src.LinkType())
	startTime := time.Now()

	packets := packetSource.Packets()
	for d.err == nil {
		if ctx.Err() != nil {
			monitoring.Logf("capture: stopping due to context cancellation (processed %d packets)", d.sum.Packets)
			return d.sum, ctx.Err()
		}
		select {
		case <-ctx.Done():
			continue
		case packet, ok := <-packets:
			if !ok || packet == nil {
				assembler.FlushAll()
				monitoring.Logf("capture: %d packets processed in %v", d.sum.Packets, time.Since(startTime))
				return d.sum, d.result()
			}
			d.sum.Packets++
			d.packet(assembler, packet)
		}
	}
	return d.sum, d.result()
}

type captureSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openSource(r io.Reader) (captureSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap: %w", err)
	}
	return pr, nil
}

type decoder struct {
	opts Options
	fn   func(Event) error
	sum  Summary
	err  error
}

func (d *decoder) result() error {
	if errors.Is(d.err, ErrStop) {
		return nil
	}
	return d.err
}

func (d *decoder) emit(e Event) {
	if d.err != nil {
		return
	}
	d.sum.count(e.Kind)
	if d.fn != nil {
		d.err = d.fn(e)
	}
}

func (d *decoder) packet(assembler *tcpassembly.Assembler, packet gopacket.Packet) {
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return
	}
	seen := packet.Metadata().Timestamp

	switch t := packet.TransportLayer().(type) {
	case *layers.UDP:
		if int(t.SrcPort) != d.opts.DiscoveryPort && int(t.DstPort) != d.opts.DiscoveryPort {
			return
		}
		if len(t.Payload) == 0 {
			return
		}
		nf := netLayer.NetworkFlow()
		d.datagram(seen, addr(nf.Src(), int(t.SrcPort)), addr(nf.Dst(), int(t.DstPort)), t.Payload)
	case *layers.TCP:
		if int(t.SrcPort) != d.opts.ConnectPort && int(t.DstPort) != d.opts.ConnectPort {
			return
		}
		assembler.AssembleWithTimestamp(netLayer.NetworkFlow(), t, seen)
	}
}

func (d *decoder) datagram(seen time.Time, src, dst string, payload []byte) {
	e := Event{Time: seen, Src: src, Dst: dst}
	if string(payload) == "hi" {
		e.Kind = EventDiscoveryAck
		d.emit(e)
		return
	}
	a, err := brick.ParseAdvert(payload)
	if err != nil {
		e.Text = string(payload)
		e.Raw = append([]byte(nil), payload...)
		d.emit(e)
		return
	}
	e.Kind = EventAdvert
	e.Serial = a.Serial
	e.Name = a.Name
	e.Port = a.Port
	d.emit(e)
}

func addr(ep gopacket.Endpoint, port int) string {
	return net.JoinHostPort(ep.String(), strconv.Itoa(port))
}

// New is called by the assembler for every new TCP direction.
func (d *decoder) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	srcPort := int(binary.BigEndian.Uint16(tcpFlow.Src().Raw()))
	dstPort := int(binary.BigEndian.Uint16(tcpFlow.Dst().Raw()))
	return &stream{
		d:      d,
		src:    addr(netFlow.Src(), srcPort),
		dst:    addr(netFlow.Dst(), dstPort),
		toHost: srcPort == d.opts.ConnectPort,
	}
}

// stream is one direction of a brick connection.
type stream struct {
	d        *decoder
	src, dst string
	// toHost is set for the brick to host direction
	toHost bool
	buf    []byte
	seen   time.Time
}

func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip != 0 && len(s.buf) > 0 {
			// a gap; whatever is buffered can no longer be framed
			s.junk(s.buf)
			s.buf = nil
		}
		s.seen = r.Seen
		s.buf = append(s.buf, r.Bytes...)
		s.drain()
	}
}

func (s *stream) ReassemblyComplete() {
	if len(s.buf) > 0 {
		s.junk(s.buf)
		s.buf = nil
	}
}

func (s *stream) event(kind EventKind) Event {
	return Event{Time: s.seen, Src: s.src, Dst: s.dst, Kind: kind}
}

func (s *stream) junk(b []byte) {
	e := s.event(EventUnknown)
	e.Raw = append([]byte(nil), b...)
	s.d.emit(e)
}

// drain consumes every complete unit at the front of the buffer.
func (s *stream) drain() {
	for len(s.buf) > 0 {
		n := s.next()
		if n == 0 {
			return
		}
		s.buf = s.buf[n:]
	}
}

// next decodes the unit at the front of the buffer and returns its length, or
// zero when more bytes are needed.
func (s *stream) next() int {
	b := s.buf
	switch {
	case !s.toHost && bytes.HasPrefix(b, []byte("GET ")):
		return s.handshake(b)
	case s.toHost && bytes.HasPrefix(b, []byte("Accept:")):
		return s.accept(b)
	case b[0] == '\r' || b[0] == '\n':
		// the blank line ending an acceptance may arrive on its own
		return 1
	}

	if len(b) < 2 {
		return 0
	}
	n := int(binary.LittleEndian.Uint16(b))
	if n == 0 {
		s.frame(b[:2])
		return 2
	}
	if n+2 > ev3.MaxFrameSize {
		s.junk(b)
		return len(b)
	}
	if len(b) < n+2 {
		return 0
	}
	s.frame(b[:n+2])
	return n + 2
}

func (s *stream) handshake(b []byte) int {
	const marker = "\nProtocol:"
	i := bytes.Index(b, []byte(marker))
	if i < 0 {
		if len(b) > maxTextPrefix {
			s.junk(b)
			return len(b)
		}
		return 0
	}
	end := i + len(marker)
	for end < len(b) && b[end] == ' ' {
		end++
	}
	start := end
	for end < len(b) && isWordByte(b[end]) {
		end++
	}
	if end == start {
		return 0
	}
	for end < len(b) && (b[end] == '\r' || b[end] == '\n') {
		end++
	}

	e := s.event(EventHandshake)
	e.Text = string(bytes.TrimRight(b[:end], "\r\n"))
	line := string(b[:i])
	if j := strings.Index(line, "sn="); j >= 0 {
		sn := line[j+len("sn="):]
		if k := strings.IndexAny(sn, " &"); k >= 0 {
			sn = sn[:k]
		}
		e.Serial = brick.SerialNumber(sn)
	}
	s.d.emit(e)
	return end
}

func isWordByte(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

func (s *stream) accept(b []byte) int {
	i := bytes.IndexAny(b, "\r\n")
	if i < 0 {
		if len(b) > maxTextPrefix {
			s.junk(b)
			return len(b)
		}
		return 0
	}
	e := s.event(EventAccept)
	e.Text = strings.TrimSpace(string(b[:i]))
	s.d.emit(e)
	return i
}

func (s *stream) frame(f []byte) {
	if s.toHost {
		reply, err := ev3.DecodeReply(f)
		if err != nil {
			s.junk(f)
			return
		}
		e := s.event(EventReply)
		e.Reply = reply
		s.d.emit(e)
		return
	}

	if ev3.IsWriteMailbox(f) {
		m, err := ev3.DecodeWriteMailbox(f)
		if err != nil {
			s.junk(f)
			return
		}
		e := s.event(EventWrite)
		e.Mailbox = m.Mailbox
		if text, ok := m.Text(); ok {
			e.Message = ev3.Text(text)
		} else if v, ok := m.Float(); ok {
			e.Message = ev3.Float(v)
		} else {
			e.Kind = EventUnknown
		}
		e.Raw = append([]byte(nil), f...)
		s.d.emit(e)
		return
	}
	if file, ok := ev3.IsReadMailboxViaFile(f); ok {
		e := s.event(EventRead)
		e.File = file
		e.Mailbox = mailboxOf(file)
		s.d.emit(e)
		return
	}
	s.junk(f)
}

// mailboxOf recovers the mailbox name from a "../prjs/<project>/<mailbox>.rtf"
// path.
func mailboxOf(file string) string {
	name := file[strings.LastIndexByte(file, '/')+1:]
	return strings.TrimSuffix(name, ".rtf")
}
