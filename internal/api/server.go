// Package api is the HTTP surface of brickd: link control, mailbox I/O,
// control loop tasks, recorded history and a websocket telemetry stream.
package api

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/brickwire/internal/control"
	"github.com/banshee-data/brickwire/internal/db"
	"github.com/banshee-data/brickwire/internal/link"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Store is the recorded history the API serves. *db.DB satisfies it.
type Store interface {
	Sessions(limit int) ([]db.LinkSession, error)
	Commands(session string, limit int) ([]db.Command, error)
	Telemetry(session string, limit int) ([]control.Reading, error)
}

// Options configures a Server.
type Options struct {
	CommandMailbox   string
	TelemetryMailbox string
	// ConnectTimeout bounds POST /api/connect. Zero leaves it to the dialer.
	ConnectTimeout time.Duration
	// Store is optional; without it the history routes answer 503.
	Store Store
	// PingInterval is how often websocket clients are pinged.
	PingInterval time.Duration
}

type Server struct {
	link     *link.Link
	loop     *control.Loop
	store    Store
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(l *link.Link, loop *control.Loop, opts Options) *Server {
	if opts.CommandMailbox == "" {
		opts.CommandMailbox = "0"
	}
	if opts.TelemetryMailbox == "" {
		opts.TelemetryMailbox = "EV3_OUTBOX0"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	return &Server{
		link:  l,
		loop:  loop,
		store: opts.Store,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

// Hijack is needed by the websocket upgrader. A hijacked request is logged
// as 101.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/receive", s.handleReceive)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/commands", s.handleCommands)
	mux.HandleFunc("/api/charts/telemetry", s.handleTelemetryChart)
	mux.HandleFunc("/api/ws", s.handleStream)
	return mux
}
