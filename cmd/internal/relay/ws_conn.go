package relay

import (
	"context"
	"errors"
	"sync"

	v1 "holder/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

// wsConn is one live websocket plus its request bookkeeping.
//
// send is never closed; done signals the goroutines to stop.
type wsConn struct {
	ws   *websocket.Conn
	send chan v1.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan v1.Envelope
	err     error
}

func newWSConn(ws *websocket.Conn, queue int) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		ws:      ws,
		send:    make(chan v1.Envelope, queue),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan v1.Envelope),
	}
}

// shutdown is idempotent; the first cause wins.
func (c *wsConn) shutdown(code websocket.StatusCode, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		close(c.done)
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

func (c *wsConn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *wsConn) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return errors.New("connection closed")
	}
	return c.err
}

func (c *wsConn) register(id string) chan v1.Envelope {
	ch := make(chan v1.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *wsConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve hands a reply to the waiting request. It reports false when
// nobody waits for env.Re (late reply after a timeout).
func (c *wsConn) resolve(env v1.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.Re]
	delete(c.pending, env.Re)
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}
