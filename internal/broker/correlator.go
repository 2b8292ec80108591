package broker

import (
	"sync"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

// correlator matches acknowledgements arriving on a field unit's
// connection to operators waiting for them. Correlation is by device
// connection, FIFO: the wire format carries no message id, so the oldest
// pending request wins. Only the field unit's own session reads its
// connection; it hands ack documents here, which keeps a single reader
// per connection.
type correlator struct {
	mu      sync.Mutex
	pending map[string][]chan *protocol.Message
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[string][]chan *protocol.Message),
	}
}

// add registers a waiter against a device connection and returns the
// channel its ack will arrive on. The channel is buffered so resolve never
// blocks the device session.
func (c *correlator) add(connID string) chan *protocol.Message {
	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pending[connID] = append(c.pending[connID], ch)
	c.mu.Unlock()
	return ch
}

// resolve delivers an ack to the oldest waiter for a connection. Returns
// false when nobody is waiting.
func (c *correlator) resolve(connID string, msg *protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[connID]
	if len(queue) == 0 {
		return false
	}
	ch := queue[0]
	if len(queue) == 1 {
		delete(c.pending, connID)
	} else {
		c.pending[connID] = queue[1:]
	}
	ch <- msg
	return true
}

// cancel removes a specific waiter, used when the operator's wait times
// out. A no-op if the waiter was already resolved.
func (c *correlator) cancel(connID string, ch chan *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[connID]
	for i, pending := range queue {
		if pending == ch {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(c.pending, connID)
			} else {
				c.pending[connID] = queue
			}
			return
		}
	}
}

// fail closes every waiter channel for a connection, used when the device
// connection is lost. Waiters observe the close and report the device as
// not responded.
func (c *correlator) fail(connID string) {
	c.mu.Lock()
	queue := c.pending[connID]
	delete(c.pending, connID)
	c.mu.Unlock()

	for _, ch := range queue {
		close(ch)
	}
}
