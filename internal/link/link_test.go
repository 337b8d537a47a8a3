package link

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/emulator"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/testutil"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	code := m.Run()
	monitoring.SetLogger(log.Printf)
	os.Exit(code)
}

const outbox = "EV3_OUTBOX0"

type fakeSession struct {
	mu     sync.Mutex
	sent   []ev3.Payload
	reply  string
	closed int
	err    error
	done   chan struct{}
	once   sync.Once
}

func newFakeSession(reply string) *fakeSession {
	return &fakeSession{reply: reply, done: make(chan struct{})}
}

func (f *fakeSession) SendText(mailbox, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev3.Text(text))
	return nil
}

func (f *fakeSession) SendFloat(mailbox string, v float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev3.Float(v))
	return nil
}

func (f *fakeSession) Receive(string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSession) fault(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) Sent() []ev3.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ev3.Payload(nil), f.sent...)
}

func (f *fakeSession) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func sessionDialer(s Session) (Dialer, *[]brick.Filter) {
	var filters []brick.Filter
	return DialerFunc(func(ctx context.Context, f brick.Filter) (Session, error) {
		filters = append(filters, f)
		return s, nil
	}), &filters
}

type recorded struct {
	mu       sync.Mutex
	commands []string
	switches []Switch
}

func (r *recorded) RecordCommand(mode Mode, mailbox string, p ev3.Payload, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, mode.String()+" "+mailbox+" "+p.String())
	return nil
}

func (r *recorded) RecordSwitch(s Switch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.switches = append(r.switches, s)
	return nil
}

func (r *recorded) Switches() []Switch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Switch(nil), r.switches...)
}

func TestLink_StartsInSimulation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l := New(Config{Clock: clock})
	assert.True(t, l.Simulating())
	assert.Equal(t, ModeSimulation, l.Mode())
	assert.Zero(t, l.Epoch())

	require.NoError(t, l.SendText("0", "Move 0 10 30"))
	assert.Equal(t, "0 0 1.5 0", l.Receive(outbox))
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, "0 0 3 0", l.Receive(outbox))
}

func TestLink_ConnectFailureStaysSimulated(t *testing.T) {
	boom := errors.New("no brick")
	l := New(Config{Dialer: DialerFunc(func(context.Context, brick.Filter) (Session, error) {
		return nil, boom
	})})
	assert.False(t, l.Connect(context.Background(), "", ""))
	assert.ErrorIs(t, l.ConnectErr(context.Background(), "", ""), boom)
	assert.True(t, l.Simulating())
	assert.Zero(t, l.Epoch())

	l = New(Config{})
	assert.ErrorIs(t, l.ConnectErr(context.Background(), "", ""), ErrNoDialer)
}

func TestLink_RoutesToSessionUntilDisconnect(t *testing.T) {
	fs := newFakeSession("1 0 0 0")
	d, filters := sessionDialer(fs)
	l := New(Config{Dialer: d})

	require.True(t, l.Connect(context.Background(), "0016533f0c1e", "10.0.0.2"))
	assert.Equal(t, []brick.Filter{{Serial: "0016533f0c1e", Address: "10.0.0.2"}}, *filters)
	assert.Equal(t, ModePhysical, l.Mode())
	assert.Equal(t, uint64(1), l.Epoch())

	require.NoError(t, l.SendText("0", "Move 0 10 30"))
	require.NoError(t, l.SendFloat("speed", 2))
	assert.Equal(t, "1 0 0 0", l.Receive(outbox))
	assert.Equal(t, []ev3.Payload{ev3.Text("Move 0 10 30"), ev3.Float(2)}, fs.Sent())
	assert.False(t, l.Sim().State().Busy(), "simulator must not see physical traffic")

	l.Disconnect()
	assert.True(t, l.Simulating())
	assert.Equal(t, uint64(2), l.Epoch())
	assert.Equal(t, 1, fs.Closed())

	l.Disconnect()
	assert.True(t, l.Simulating())
	assert.Equal(t, uint64(2), l.Epoch(), "second disconnect is a no-op")
	assert.Equal(t, 1, fs.Closed())

	require.NoError(t, l.SendText("0", "Reset"))
	assert.Len(t, fs.Sent(), 2)
}

func TestLink_SerialDialer(t *testing.T) {
	host, port := testutil.NewFakePort(t, testutil.TelemetryResponder("1 0 12.5 40"))

	opened := 0
	open := func(path string, _ *serial.Mode) (io.ReadWriteCloser, error) {
		opened++
		assert.Equal(t, "/dev/rfcomm0", path)
		return host, nil
	}
	l := New(Config{Dialer: SerialDialer("/dev/rfcomm0", brick.PortOptions{}, open, brick.SessionConfig{})})
	defer l.Close()

	require.NoError(t, l.ConnectErr(context.Background(), "", ""))
	assert.Equal(t, 1, opened)
	assert.Equal(t, ModePhysical, l.Mode())

	require.NoError(t, l.SendText("0", "Move 0 3 30"))
	l.Receive(outbox)
	require.Eventually(t, func() bool { return l.Receive(outbox) == "1 0 12.5 40" }, testutil.WaitFor, testutil.Tick)
	require.Eventually(t, func() bool { return len(port.Writes()) == 1 }, testutil.WaitFor, testutil.Tick)
	assert.Equal(t, "0", port.Writes()[0].Mailbox)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.ConnectErr(ctx, "", ""), context.Canceled)
	assert.Equal(t, 1, opened, "a cancelled connect must not open the port")
	assert.True(t, l.Simulating())
}

func TestLink_ReconnectReplacesSession(t *testing.T) {
	first, second := newFakeSession("1 0 0 0"), newFakeSession("0 5 0 0")
	sessions := []Session{first, second}
	l := New(Config{Dialer: DialerFunc(func(context.Context, brick.Filter) (Session, error) {
		s := sessions[0]
		sessions = sessions[1:]
		return s, nil
	})})

	require.True(t, l.Connect(context.Background(), "", ""))
	require.True(t, l.Connect(context.Background(), "", ""))
	assert.Equal(t, 1, first.Closed())
	assert.Equal(t, "0 5 0 0", l.Receive(outbox))
	assert.Equal(t, uint64(3), l.Epoch())
}

func TestLink_FaultFallsBackToSimulation(t *testing.T) {
	fs := newFakeSession("1 0 0 0")
	d, _ := sessionDialer(fs)
	rec := &recorded{}
	l := New(Config{Dialer: d, Recorder: rec})
	require.True(t, l.Connect(context.Background(), "abc", ""))

	fs.fault(brick.ErrTransportFault)
	require.Eventually(t, l.Simulating, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), l.Epoch())

	require.Eventually(t, func() bool { return len(rec.Switches()) == 2 }, time.Second, 5*time.Millisecond)
	sw := rec.Switches()[1]
	assert.Equal(t, ModePhysical, sw.From)
	assert.Equal(t, ModeSimulation, sw.To)
	assert.Equal(t, brick.SerialNumber("abc"), sw.Serial)
	assert.Contains(t, sw.Reason, "fault")

	l.Disconnect()
	assert.Equal(t, uint64(2), l.Epoch())
}

func TestLink_RecorderSeesCommands(t *testing.T) {
	rec := &recorded{}
	l := New(Config{Recorder: rec})
	require.NoError(t, l.SendText("0", "Turn 30 90"))
	require.NoError(t, l.SendFloat("1", 0.5))
	assert.Equal(t, []string{"simulation 0 Turn 30 90", "simulation 1 0.5"}, rec.commands)
}

func TestLink_Poll(t *testing.T) {
	l := New(Config{Recorder: nil})
	require.NoError(t, l.SendText("0", "Move 0 3 30"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := l.Poll(ctx, outbox, 10*time.Millisecond, func(s string) bool { return strings.HasPrefix(s, "1 ") })
	require.NoError(t, err)
	assert.Equal(t, "1 0 3 0", v)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	v, err = l.Poll(ctx, outbox, 10*time.Millisecond, func(string) bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "1 0 3 0", v)
}

func TestLink_SubscribeDeduplicates(t *testing.T) {
	fs := newFakeSession("1 0 0 0")
	d, _ := sessionDialer(fs)
	l := New(Config{Dialer: d})
	id, ch := l.Subscribe()

	require.True(t, l.Connect(context.Background(), "", ""))
	l.Receive(outbox)
	l.Receive(outbox)
	l.Unsubscribe(id)

	var got []string
	for v := range ch {
		got = append(got, v)
	}
	assert.Equal(t, []string{"# simulation -> physical (connect)", "1 0 0 0"}, got)
}

func TestLink_CloseRejectsConnect(t *testing.T) {
	fs := newFakeSession("")
	d, _ := sessionDialer(fs)
	l := New(Config{Dialer: d})
	_, ch := l.Subscribe()
	require.NoError(t, l.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, l.ConnectErr(context.Background(), "", ""), brick.ErrClosed)
	assert.Equal(t, 1, fs.Closed())
	assert.True(t, l.Simulating())
}

func TestLink_SubscribeAfterClose(t *testing.T) {
	l := New(Config{})
	require.NoError(t, l.Close())

	id, ch := l.Subscribe()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription after Close left open")
	}
	l.Unsubscribe(id)
	l.publish("1 0 0 0")
}

func TestLink_EmulatedBrickEndToEnd(t *testing.T) {
	engine := sim.New(sim.DefaultConfig(), nil)
	emu := emulator.New(emulator.Config{Serial: "0016533f0c1e", Robot: engine})
	require.NoError(t, emu.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go emu.Serve(ctx)

	sock := brick.NewMockUDPSocket(brick.MockPacket{
		Data: emu.Advert(),
		Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 49365},
	})
	d := brick.NewDialer(brick.DialConfig{
		Discovery: brick.DiscoveryConfig{Sockets: &brick.MockUDPSocketFactory{Socket: sock}, Timeout: time.Second},
		Connector: brick.ConnectorConfig{HandshakeTimeout: time.Second},
	})
	l := New(Config{Dialer: BrickDialer(d)})
	t.Cleanup(func() { l.Close() })

	require.NoError(t, l.ConnectErr(context.Background(), "0016533f0c1e", ""))
	assert.Equal(t, ModePhysical, l.Mode())
	st := l.Status()
	assert.Equal(t, "physical", st.Mode)
	assert.Equal(t, brick.SerialNumber("0016533f0c1e"), st.Serial)
	assert.Contains(t, st.Endpoint, "127.0.0.1")

	require.NoError(t, l.SendText("0", "Move 0 3 30"))
	pctx, pcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pcancel()
	v, err := l.Poll(pctx, outbox, 20*time.Millisecond, func(s string) bool { return s == "1 0 3 0" })
	require.NoError(t, err)
	assert.Equal(t, "1 0 3 0", v)
	assert.False(t, l.Sim().State().Busy())

	emu.DropConnections()
	require.Eventually(t, l.Simulating, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), l.Epoch())
}

func localHostRequest(method, path string, body *strings.Reader) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l := New(Config{Clock: clock})
	mux := http.NewServeMux()
	l.AttachAdminRoutes(mux, "0")

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
		body   string
	}{
		{name: "text", method: http.MethodPost, form: url.Values{"message": {"Move 0 10 30"}}, status: http.StatusOK, body: `"0"`},
		{name: "float", method: http.MethodPost, form: url.Values{"message": {"2.5"}, "kind": {"float"}, "mailbox": {"speed"}}, status: http.StatusOK, body: "2.5"},
		{name: "bad float", method: http.MethodPost, form: url.Values{"message": {"x"}, "kind": {"float"}}, status: http.StatusBadRequest, body: "not a number"},
		{name: "empty", method: http.MethodPost, form: url.Values{"message": {"  "}}, status: http.StatusBadRequest, body: "Missing message"},
		{name: "not ascii", method: http.MethodPost, form: url.Values{"message": {"héllo"}}, status: http.StatusInternalServerError, body: "Failed to send"},
		{name: "get", method: http.MethodGet, status: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, localHostRequest(tt.method, "/debug/brick-send-api", strings.NewReader(tt.form.Encode())))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}

	assert.Equal(t, "0 0 1.5 0", l.Receive(outbox), "text command reached the simulator")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/brick-status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode": "simulation"`)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/brick-send", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "brick (simulation)")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/brick-tail.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "EventSource")
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	l := New(Config{})
	mux := http.NewServeMux()
	l.AttachAdminRoutes(mux, "0")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/brick-tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, ": ping\n\n", string(buf[:n]))

	require.NoError(t, l.SendText("0", "Reset"))
	l.Receive(outbox)

	var got strings.Builder
	for !strings.Contains(got.String(), "\n\n") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Equal(t, "data: 1 0 0 0\n\n", got.String())
}
