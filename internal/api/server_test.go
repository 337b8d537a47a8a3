package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/control"
	"github.com/banshee-data/brickwire/internal/db"
	"github.com/banshee-data/brickwire/internal/emulator"
	"github.com/banshee-data/brickwire/internal/link"
	"github.com/banshee-data/brickwire/internal/monitoring"
	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	code := m.Run()
	monitoring.SetLogger(log.Printf)
	os.Exit(code)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	server *Server
	link   *link.Link
	loop   *control.Loop
	clock  *timeutil.MockClock
	mux    http.Handler
}

func newFixture(t *testing.T, cfg link.Config, opts Options) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	if cfg.Clock == nil {
		cfg.Clock = clock
	}
	l := link.New(cfg)
	t.Cleanup(func() { l.Close() })
	loop := control.NewLoop(l, control.Config{Clock: clock})
	s := NewServer(l, loop, opts)
	return &fixture{server: s, link: l, loop: loop, clock: clock, mux: s.ServeMux()}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestSendAndReceive_Simulation(t *testing.T) {
	f := newFixture(t, link.Config{}, Options{})

	w := f.do(t, http.MethodPost, "/api/send", SendRequest{Message: "Move 0 3 30"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sent := decode[SendResponse](t, w)
	assert.Equal(t, SendResponse{Mailbox: "0", Kind: "text", Payload: "Move 0 3 30", Mode: "simulation"}, sent)

	w = f.do(t, http.MethodGet, "/api/receive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[ReceiveResponse](t, w)
	assert.Equal(t, ReceiveResponse{Mailbox: "EV3_OUTBOX0", Value: "0 0 1.5 0", Mode: "simulation"}, got)

	w = f.do(t, http.MethodGet, "/api/receive?wait=1s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[ReceiveResponse](t, w).Value)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, link.Config{}, Options{})

	tests := []struct {
		name   string
		method string
		body   interface{}
		want   int
	}{
		{"float", http.MethodPost, SendRequest{Mailbox: "speed", Message: " 2.5 ", Kind: "float"}, http.StatusOK},
		{"bad float", http.MethodPost, SendRequest{Message: "fast", Kind: "float"}, http.StatusBadRequest},
		{"bad kind", http.MethodPost, SendRequest{Message: "x", Kind: "blob"}, http.StatusBadRequest},
		{"missing message", http.MethodPost, SendRequest{}, http.StatusBadRequest},
		{"not ascii", http.MethodPost, SendRequest{Message: "Turn 30 90°"}, http.StatusBadRequest},
		{"long mailbox", http.MethodPost, SendRequest{Mailbox: strings.Repeat("m", 300), Message: "x"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"message":"x","priority":1}`, http.StatusBadRequest},
		{"malformed", http.MethodPost, `{"message":`, http.StatusBadRequest},
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, "/api/send", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want != http.StatusOK {
				assert.NotEmpty(t, decode[map[string]string](t, w)["error"])
			}
		})
	}
}

func TestReceive_BadWait(t *testing.T) {
	f := newFixture(t, link.Config{}, Options{})
	for _, q := range []string{"wait=soon", "wait=-1s", "wait=1m"} {
		w := f.do(t, http.MethodGet, "/api/receive?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/api/receive", nil).Code)
}

func TestConnect_NoDialer(t *testing.T) {
	f := newFixture(t, link.Config{}, Options{})

	w := f.do(t, http.MethodPost, "/api/connect", ConnectRequest{Serial: "0016533f0c1e"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[struct {
		Error  string      `json:"error"`
		Status link.Status `json:"status"`
	}](t, w)
	assert.Contains(t, body.Error, "no dialer")
	assert.Equal(t, "simulation", body.Status.Mode)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/connect", nil).Code)
}

func TestConnect_EmulatedBrick(t *testing.T) {
	const serial = "0016533f0c1e"
	emu := emulator.New(emulator.Config{Serial: serial, Robot: sim.New(sim.DefaultConfig(), nil)})
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
	f := newFixture(t, link.Config{Dialer: link.BrickDialer(d), Clock: timeutil.RealClock{}}, Options{ConnectTimeout: 3 * time.Second})

	w := f.do(t, http.MethodPost, "/api/connect", ConnectRequest{Serial: serial})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st := decode[link.Status](t, w)
	assert.Equal(t, "physical", st.Mode)
	assert.Equal(t, brick.SerialNumber(serial), st.Serial)
	assert.Equal(t, uint64(1), st.Epoch)

	w = f.do(t, http.MethodPost, "/api/send", SendRequest{Message: "Move 0 3 30"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "physical", decode[SendResponse](t, w).Mode)

	w = f.do(t, http.MethodGet, "/api/receive?wait=2s", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "physical", decode[ReceiveResponse](t, w).Mode)

	w = f.do(t, http.MethodPost, "/api/disconnect", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st = decode[link.Status](t, w)
	assert.Equal(t, "simulation", st.Mode)
	assert.Equal(t, uint64(2), st.Epoch)
}

func TestTasksAndStatus(t *testing.T) {
	f := newFixture(t, link.Config{}, Options{})

	w := f.do(t, http.MethodPost, "/api/tasks", TasksRequest{Tasks: []string{"Move 0 3 30", "Turn 30 90"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"Move 0 3 30", "Turn 30 90"}, decode[TasksResponse](t, w).Pending)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks", TasksRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks", TasksRequest{Tasks: []string{"Turn 30 90°"}}).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPut, "/api/tasks", nil).Code)

	f.clock.Advance(100 * time.Millisecond)
	f.loop.Step(f.clock.Now())

	w = f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[StatusResponse](t, w)
	assert.Equal(t, "simulation", st.Link.Mode)
	assert.Equal(t, []string{"Turn 30 90"}, st.Pending)
	require.NotNil(t, st.Latest)
	assert.Equal(t, "Move 0 3 30", st.Latest.Dispatched)
	require.NotNil(t, st.Link.Sim)

	w = f.do(t, http.MethodDelete, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{}, decode[TasksResponse](t, w).Pending)
}

func TestTasks_QueueFull(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := link.New(link.Config{Clock: clock})
	defer l.Close()
	loop := control.NewLoop(l, control.Config{Clock: clock, QueueSize: 1})
	mux := NewServer(l, loop, Options{}).ServeMux()

	body, _ := json.Marshal(TasksRequest{Tasks: []string{"Reset", "Reset"}})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHistory(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer store.Close()

	clock := timeutil.NewMockClock(t0)
	l := link.New(link.Config{Clock: clock, Recorder: store})
	defer l.Close()
	loop := control.NewLoop(l, control.Config{Clock: clock, Recorder: store})
	mux := NewServer(l, loop, Options{Store: store}).ServeMux()
	f := &fixture{link: l, loop: loop, clock: clock, mux: mux}

	require.NoError(t, loop.Queue("Reset"))
	for i := 0; i < 3; i++ {
		clock.Advance(100 * time.Millisecond)
		loop.Step(clock.Now())
	}

	w := f.do(t, http.MethodGet, "/api/telemetry?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	readings := decode[[]control.Reading](t, w)
	require.Len(t, readings, 2)
	assert.Equal(t, uint64(3), readings[1].Seq)

	w = f.do(t, http.MethodGet, "/api/telemetry?session=none", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	w = f.do(t, http.MethodGet, "/api/commands?session="+store.SessionID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	commands := decode[[]db.Command](t, w)
	require.Len(t, commands, 1)
	assert.Equal(t, "Reset", commands[0].Payload)

	w = f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]db.LinkSession](t, w), 1)

	w = f.do(t, http.MethodGet, "/api/charts/telemetry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Brick telemetry")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/telemetry?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/sessions?limit=x", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/api/commands", nil).Code)
}

func TestHistory_RecorderDisabled(t *testing.T) {
	f := newFixture(t, link.Config{}, Options{})
	for _, path := range []string{"/api/telemetry", "/api/sessions", "/api/commands", "/api/charts/telemetry"} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t, link.Config{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		f.loop.Hub().Run(ctx)
	}()

	srv := httptest.NewServer(LoggingMiddleware(f.mux))
	defer srv.Close()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// keep stepping until the handler has subscribed
	stop := make(chan struct{})
	stepped := make(chan struct{})
	go func() {
		defer close(stepped)
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				f.clock.Advance(100 * time.Millisecond)
				f.loop.Step(f.clock.Now())
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var r control.Reading
	require.NoError(t, conn.ReadJSON(&r))
	assert.Equal(t, "simulation", r.Mode)
	assert.NotZero(t, r.Seq)
	close(stop)
	<-stepped

	cancel()
	<-hubDone
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			break
		}
	}
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "101", statusCodeColor(101))
}
