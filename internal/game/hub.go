package game

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

const (
	HUB_BUFFER_SIZE    = 256
	CLIENT_BUFFER_SIZE = 256
	WRITE_TIMEOUT      = 10 * time.Second
)

// wsConn is the part of a websocket connection the hub writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client owns one connection. All writes go through send and are performed
// by a single writer goroutine, so a client sees events in queue order.
type Client struct {
	conn   wsConn
	userID string
	send   chan []byte

	// written is closed once the writer goroutine has returned.
	written chan struct{}

	mu     sync.Mutex
	closed bool
}

type hubMessage struct {
	data []byte
	// tick messages may be dropped under backpressure; the next tick
	// carries a newer multiplier.
	tick bool
}

// Hub fans encoded events out to every connected websocket client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan hubMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan hubMessage, HUB_BUFFER_SIZE),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			log.Println("[WS] Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s (Total: %d)", client.userID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				log.Printf("[WS] Client disconnected: %s (Total: %d)", client.userID, len(h.clients))
			}
			h.mu.Unlock()
			client.close()

		case message, ok := <-h.broadcast:
			if !ok {
				h.closeAll()
				return
			}
			h.mu.Lock()
			for client := range h.clients {
				if !client.enqueue(message.data, message.tick) {
					delete(h.clients, client)
					client.close()
					log.Printf("[WS] Client %s too slow, disconnected (Total: %d)", client.userID, len(h.clients))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
}

// Publish encodes e and queues it for every client.
func (h *Hub) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[WS] Marshal error: %v", err)
		return
	}
	h.queue(hubMessage{data: data, tick: e.Type == EVENT_ROUND_TICK})
}

// Relay queues an already encoded event, e.g. one received from another
// instance over the event bus.
func (h *Hub) Relay(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		log.Printf("[WS] Relay decode error: %v", err)
		return
	}
	h.queue(hubMessage{data: data, tick: head.Type == EVENT_ROUND_TICK})
}

// queue drops a tick when the broadcast buffer is full; any other event
// waits for room until the hub stops.
func (h *Hub) queue(m hubMessage) {
	select {
	case h.broadcast <- m:
		return
	default:
	}
	if m.tick {
		log.Println("[WS] Broadcast channel full, dropping tick")
		return
	}
	select {
	case h.broadcast <- m:
	case <-h.done:
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newClient(conn wsConn, userID string, size int) *Client {
	return &Client{
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, size),
		written: make(chan struct{}),
	}
}

// enqueue reports false when a non-tick message does not fit, meaning the
// client can no longer be kept consistent.
func (c *Client) enqueue(data []byte, tick bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return tick
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.conn.Close()
}

func (c *Client) writePump() {
	defer close(c.written)
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[WS] Write error for user %s: %v", c.userID, err)
			c.close()
		}
	}
}

// Send queues a single event for this client only.
func (c *Client) Send(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[WS] Send marshal error: %v", err)
		return
	}
	c.SendRaw(data)
}

// SendRaw queues an already encoded event for this client only. A client
// whose queue is full is closed.
func (c *Client) SendRaw(data []byte) {
	if !c.enqueue(data, false) {
		log.Printf("[WS] Client %s queue full, closing", c.userID)
		c.close()
	}
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) *Client {
	return h.add(newClient(conn, userID, CLIENT_BUFFER_SIZE))
}

// add starts the client's writer and hands it to Run. After the hub has
// stopped the client is closed immediately.
func (h *Hub) add(client *Client) *Client {
	go client.writePump()
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
	return client
}

// UnregisterClient returns once nothing writes to the connection anymore,
// so the caller may release it.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
	client.close()
	<-client.written
}
