package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/brickwire/internal/brick"
	"github.com/banshee-data/brickwire/internal/control"
	"github.com/banshee-data/brickwire/internal/ev3"
	"github.com/banshee-data/brickwire/internal/httputil"
	"github.com/banshee-data/brickwire/internal/link"
	"github.com/banshee-data/brickwire/internal/version"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
	maxReceiveWait      = 30 * time.Second
)

// ConnectRequest is the body of POST /api/connect. Empty fields accept any
// brick.
type ConnectRequest struct {
	Serial  string `json:"serial"`
	Address string `json:"address"`
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	Mailbox string `json:"mailbox"`
	Message string `json:"message"`
	// Kind is "text" (default) or "float".
	Kind string `json:"kind"`
}

type SendResponse struct {
	Mailbox string `json:"mailbox"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
	Mode    string `json:"mode"`
}

type ReceiveResponse struct {
	Mailbox string `json:"mailbox"`
	Value   string `json:"value"`
	Mode    string `json:"mode"`
	Epoch   uint64 `json:"epoch"`
}

// TasksRequest is the body of POST /api/tasks.
type TasksRequest struct {
	Tasks []string `json:"tasks"`
}

type TasksResponse struct {
	Pending []string `json:"pending"`
}

// StatusResponse is the reply of GET /api/status.
type StatusResponse struct {
	Link    link.Status         `json:"link"`
	Pending []string            `json:"pending"`
	Jitter  control.JitterStats `json:"jitter"`
	Latest  *control.Reading    `json:"latest,omitempty"`
	Dropped uint64              `json:"dropped"`
	Version version.Info        `json:"version"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req ConnectRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	if err := s.link.ConnectErr(ctx, req.Serial, req.Address); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, brick.ErrDiscoveryTimeout), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, link.ErrNoDialer), errors.Is(err, brick.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, map[string]interface{}{
			"error":  err.Error(),
			"status": s.link.Status(),
		})
		return
	}
	httputil.WriteJSONOK(w, s.link.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.link.Disconnect()
	httputil.WriteJSONOK(w, s.link.Status())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req SendRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Message == "" {
		httputil.BadRequest(w, "missing message")
		return
	}
	mailbox := req.Mailbox
	if mailbox == "" {
		mailbox = s.opts.CommandMailbox
	}

	var p ev3.Payload
	switch strings.ToLower(req.Kind) {
	case "", "text":
		p = ev3.Text(req.Message)
	case "float":
		v, err := strconv.ParseFloat(strings.TrimSpace(req.Message), 32)
		if err != nil {
			httputil.BadRequest(w, "message is not a number")
			return
		}
		p = ev3.Float(float32(v))
	default:
		httputil.BadRequest(w, "kind must be text or float")
		return
	}

	if err := s.link.Send(p, mailbox); err != nil {
		switch {
		case errors.Is(err, ev3.ErrNotASCII), errors.Is(err, ev3.ErrFieldTooLong), errors.Is(err, ev3.ErrEmptyField):
			httputil.BadRequest(w, err.Error())
		case errors.Is(err, brick.ErrSendQueueFull), errors.Is(err, brick.ErrClosed):
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		default:
			httputil.InternalServerError(w, err.Error())
		}
		return
	}
	httputil.WriteJSONOK(w, SendResponse{
		Mailbox: mailbox,
		Kind:    p.Kind.String(),
		Payload: p.String(),
		Mode:    s.link.Mode().String(),
	})
}

// handleReceive returns the latest telemetry. With ?wait=<duration> it polls
// until a non-empty value arrives or the wait ends.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	mailbox := q.Get("mailbox")
	if mailbox == "" {
		mailbox = s.opts.TelemetryMailbox
	}

	var value string
	if ws := q.Get("wait"); ws != "" {
		wait, err := time.ParseDuration(ws)
		if err != nil || wait <= 0 || wait > maxReceiveWait {
			httputil.BadRequest(w, "wait must be a duration between 0 and 30s")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		value, err = s.link.Poll(ctx, mailbox, 0, link.NonEmpty)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusGatewayTimeout, "no telemetry before wait elapsed")
			return
		}
	} else {
		value = s.link.Receive(mailbox)
	}
	httputil.WriteJSONOK(w, ReceiveResponse{
		Mailbox: mailbox,
		Value:   value,
		Mode:    s.link.Mode().String(),
		Epoch:   s.link.Epoch(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatusResponse{
		Link:    s.link.Status(),
		Pending: s.loop.Pending(),
		Jitter:  s.loop.Jitter(),
		Dropped: s.loop.Hub().Dropped(),
		Version: version.Get(),
	}
	if latest, ok := s.loop.Latest(); ok {
		resp.Latest = &latest
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req TasksRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if len(req.Tasks) == 0 {
			httputil.BadRequest(w, "no tasks given")
			return
		}
		if err := s.loop.Queue(req.Tasks...); err != nil {
			if errors.Is(err, control.ErrQueueFull) {
				httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			} else {
				httputil.BadRequest(w, err.Error())
			}
			return
		}
	case http.MethodDelete:
		s.loop.ClearQueue()
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	pending := s.loop.Pending()
	if pending == nil {
		pending = []string{}
	}
	httputil.WriteJSONOK(w, TasksResponse{Pending: pending})
}

func historyLimit(r *http.Request) (int, bool) {
	ls := r.URL.Query().Get("limit")
	if ls == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(ls)
	if err != nil || n < 1 || n > maxHistoryLimit {
		return 0, false
	}
	return n, true
}

// history handles the shared checks of the recorder routes.
func (s *Server) history(w http.ResponseWriter, r *http.Request) (int, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return 0, false
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "recorder disabled")
		return 0, false
	}
	limit, ok := historyLimit(r)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return 0, false
	}
	return limit, true
}

// handleTelemetry returns recorded readings, oldest first. ?session= narrows
// to one link session.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.history(w, r)
	if !ok {
		return
	}
	readings, err := s.store.Telemetry(r.URL.Query().Get("session"), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read telemetry")
		return
	}
	if readings == nil {
		readings = []control.Reading{}
	}
	httputil.WriteJSONOK(w, readings)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.history(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read sessions")
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.history(w, r)
	if !ok {
		return
	}
	commands, err := s.store.Commands(r.URL.Query().Get("session"), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read commands")
		return
	}
	httputil.WriteJSONOK(w, commands)
}
