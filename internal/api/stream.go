package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/brickwire/internal/monitoring"
)

const wsWriteWait = 5 * time.Second

// handleStream upgrades to a websocket and writes every control loop reading
// as a JSON text message until the client goes away or the hub shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("api: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	hub := s.loop.Hub()
	sub := hub.Subscribe(ctx)
	if sub == nil {
		return
	}
	hubClosed := false
	defer func() {
		if hubClosed {
			return
		}
		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Unsubscribe(uctx, sub)
	}()

	// the read side only notices the close frame
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case reading, ok := <-sub:
			if !ok {
				hubClosed = true
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(reading); err != nil {
				monitoring.Logf("api: websocket write: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
