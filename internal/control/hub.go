package control

import (
	"context"
	"sync/atomic"
)

// Hub fans readings out to subscribers. Slow subscribers miss readings
// instead of stalling the loop.
type Hub struct {
	broadcast  chan Reading
	register   chan chan Reading
	unregister chan chan Reading
	clients    map[chan Reading]struct{}
	clientBuf  int
	dropped    atomic.Uint64
}

type HubOption func(*Hub)

func WithBroadcastBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Reading, size)
		}
	}
}

func WithClientBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		broadcast:  make(chan Reading, 64),
		register:   make(chan chan Reading),
		unregister: make(chan chan Reading),
		clients:    make(map[chan Reading]struct{}),
		clientBuf:  32,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers published readings until ctx ends, then closes every
// subscriber channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
				delete(h.clients, ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case r := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- r:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

// Subscribe registers a new client. It blocks until Run picks the request
// up, or returns nil once ctx ends.
func (h *Hub) Subscribe(ctx context.Context) chan Reading {
	ch := make(chan Reading, h.clientBuf)
	select {
	case h.register <- ch:
		return ch
	case <-ctx.Done():
		return nil
	}
}

// Unsubscribe removes ch and closes it.
func (h *Hub) Unsubscribe(ctx context.Context, ch chan Reading) {
	select {
	case h.unregister <- ch:
	case <-ctx.Done():
	}
}

// Publish queues r for delivery without blocking.
func (h *Hub) Publish(r Reading) {
	select {
	case h.broadcast <- r:
	default:
		h.dropped.Add(1)
	}
}

// Dropped counts readings that did not reach a subscriber.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
