// Package hub fans published values out to streaming clients (the gateway's SSE
// subscribers), grouped by topic.
//
// One goroutine owns the subscription map and handles register, unregister and
// broadcast events through channels. The hub remembers the last value of every topic so
// a client that subscribes late is sent the current state straight away.
package hub

import (
	"context"
	"sync"
)

// SendBuffer is how many undelivered messages a client may have queued before the hub
// drops it as too slow.
const SendBuffer = 16

// Client is one streaming subscriber.
type Client struct {
	Topic string
	Send  chan []byte // closed by the hub when the client is dropped or unregistered
}

// NewClient returns a client for topic with a buffered Send channel.
func NewClient(topic string) *Client {
	return &Client{Topic: topic, Send: make(chan []byte, SendBuffer)}
}

// Message is one value to broadcast.
type Message struct {
	Topic string
	Data  []byte
}

// Hub manages subscribers grouped by topic.
type Hub struct {
	clients map[string]map[*Client]bool
	last    map[string][]byte

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	// mu guards last for Last; clients is touched only by Run.
	mu sync.RWMutex
}

// New returns a hub. Call Run before registering clients.
func New() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		last:       make(map[string][]byte),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes hub events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.Send)
				}
			}
			h.clients = map[string]map[*Client]bool{}
			return nil

		case c := <-h.register:
			if h.clients[c.Topic] == nil {
				h.clients[c.Topic] = make(map[*Client]bool)
			}
			h.clients[c.Topic][c] = true
			h.mu.RLock()
			data, ok := h.last[c.Topic]
			h.mu.RUnlock()
			if ok {
				c.Send <- data
			}

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.Lock()
			h.last[msg.Topic] = msg.Data
			h.mu.Unlock()
			for c := range h.clients[msg.Topic] {
				select {
				case c.Send <- msg.Data:
				default:
					// Too slow; the stream writer sees Send closed and ends the response.
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.Topic]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	close(c.Send)
	if len(set) == 0 {
		delete(h.clients, c.Topic)
	}
}

// Broadcast queues data for every subscriber of topic and records it as the topic's
// current value.
func (h *Hub) Broadcast(ctx context.Context, topic string, data []byte) {
	select {
	case h.broadcast <- Message{Topic: topic, Data: data}:
	case <-ctx.Done():
	}
}

// Register subscribes c. It blocks until Run accepts it or ctx ends.
func (h *Hub) Register(ctx context.Context, c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Unregister removes c and closes its Send channel. Unregistering twice is harmless.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	select {
	case h.unregister <- c:
	case <-ctx.Done():
	}
}

// Last returns the most recent value broadcast on topic.
func (h *Hub) Last(topic string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.last[topic]
	return data, ok
}
