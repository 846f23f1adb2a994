package bridge

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/deployshell/hostd/internal/logging"
)

// hub fans frames out to connected websocket clients. Slow consumers
// are dropped rather than allowed to stall delivery to the others.
type hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(logger *logging.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// broadcast enqueues a frame for every connected client.
func (h *hub) broadcast(frame Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.enqueue(frame) {
			h.logger.Warn("dropping slow event listener")
			go h.remove(c)
		}
	}
}

// register adds a client and starts its write loop.
func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan Frame, 64),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	return c
}

// remove disconnects and forgets a client. Safe to call twice.
func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// closeAll disconnects every client.
func (h *hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// count returns the number of attached clients.
func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// client is one attached websocket listener.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan Frame
	closed bool
}

// enqueue offers a frame to the client without blocking. Returns false
// when the client's buffer is full. A frame offered to an already closed
// client is discarded; the race against a concurrent disconnect is real,
// since attach replay enqueues outside the hub lock.
func (c *client) enqueue(frame Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writeLoop drains the send channel onto the connection. It exits when
// the channel is closed or a write fails, closing the connection.
func (c *client) writeLoop() {
	defer c.conn.Close()
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}
