package relayd

import (
	"sync"

	v1 "holder/shared/contracts/relay/v1"
)

// Client is one connected websocket.
//
// Send is never closed so concurrent routers cannot panic; done signals the
// connection goroutines to stop.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu sync.Mutex
	// sessionHash is the digest of the session this socket is bound to.
	sessionHash string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = minSendQueueSize
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) bind(hash string) {
	c.mu.Lock()
	c.sessionHash = hash
	c.mu.Unlock()
}

func (c *Client) boundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionHash
}

// Enqueue offers env to the client without blocking.
func (c *Client) Enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}
