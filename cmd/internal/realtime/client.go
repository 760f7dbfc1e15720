package realtime

import (
	"sync"

	v1 "loom/shared/contracts/docsync/v1"
)

// Client is the outbound side of one websocket connection.
//
// Send is never closed by the server, so concurrent fan-out cannot panic;
// done signals the connection goroutines to stop. A client whose queue is
// full is closed: a slow reader reconnects and resubscribes rather than
// stalling its room.
type Client struct {
	ConnectionID string
	UserID       string
	Send         chan v1.Envelope

	mu  sync.Mutex
	seq int64

	done      chan struct{}
	closeOnce sync.Once
	overflow  bool
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		UserID:       userID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Enqueue stamps env with the next server sequence number and queues it.
// It never blocks.
func (c *Client) Enqueue(env v1.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	env.Seq = c.seq + 1
	select {
	case c.Send <- env:
		c.seq++
		return true
	default:
		c.overflow = true
		c.Close()
		return false
	}
}

// Overflowed reports whether the client was closed for falling behind.
func (c *Client) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflow
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep fan-out safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
