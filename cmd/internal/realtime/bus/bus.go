// Package bus carries opaque channel-keyed messages between server processes.
//
// Delivery is best-effort pub/sub: a message published while a sibling is
// disconnected is lost, and the document protocol recovers through version
// gaps and snapshots. Every backend delivers a process's own publications
// back to it; callers filter by origin.
package bus

import (
	"context"
	"errors"
)

// Message is one delivered publication.
type Message struct {
	Channel string
	Payload []byte
}

// Handler receives messages. Handlers are called sequentially per subscription.
type Handler func(Message)

// Bus is a cross-process publish/subscribe transport.
type Bus interface {
	// Publish sends payload to every subscriber of every process.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts delivering messages to h until ctx is done or the bus is closed.
	// It returns once the subscription is established.
	Subscribe(ctx context.Context, h Handler) error
	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
	// ErrPayloadTooLarge is returned when a backend cannot carry a payload.
	ErrPayloadTooLarge = errors.New("bus: payload too large")
)

// None is the single-process bus: nothing crosses process boundaries.
type None struct{}

func (None) Publish(context.Context, string, []byte) error { return nil }
func (None) Subscribe(context.Context, Handler) error      { return nil }
func (None) Name() string                                  { return "none" }
func (None) Close() error                                  { return nil }
