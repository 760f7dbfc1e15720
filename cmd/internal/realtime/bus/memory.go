package bus

import (
	"context"
	"sync"
)

// Network connects in-process MemoryBus instances, each standing in for one
// server process. It is used by tests and local multi-node experiments.
type Network struct {
	mu    sync.RWMutex
	nodes map[*MemoryBus]struct{}
	down  bool
}

// NewNetwork constructs an empty Network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[*MemoryBus]struct{})}
}

// Attach returns a new bus connected to the network.
func (n *Network) Attach() *MemoryBus {
	b := &MemoryBus{net: n, done: make(chan struct{})}
	n.mu.Lock()
	n.nodes[b] = struct{}{}
	n.mu.Unlock()
	return b
}

// SetPartitioned drops every publication while on.
func (n *Network) SetPartitioned(on bool) {
	n.mu.Lock()
	n.down = on
	n.mu.Unlock()
}

func (n *Network) deliver(m Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down {
		return
	}
	for b := range n.nodes {
		b.enqueue(m)
	}
}

func (n *Network) detach(b *MemoryBus) {
	n.mu.Lock()
	delete(n.nodes, b)
	n.mu.Unlock()
}

const memoryQueueSize = 1024

// MemoryBus is one node of a Network.
type MemoryBus struct {
	net *Network

	mu     sync.Mutex
	subs   []chan Message
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (b *MemoryBus) Name() string { return "memory" }

// Publish delivers to every attached node, this one included.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	b.net.deliver(Message{Channel: channel, Payload: p})
	return nil
}

// Subscribe starts an ordered delivery goroutine for h.
func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	ch := make(chan Message, memoryQueueSize)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case m := <-ch:
				h(m)
			}
		}
	}()
	return nil
}

// enqueue drops when a subscriber is too slow, like a real pub/sub server.
func (b *MemoryBus) enqueue(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// Close detaches the node and stops its subscriptions.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.net.detach(b)
		close(b.done)
	})
	return nil
}
