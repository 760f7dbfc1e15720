package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus over Redis PUBLISH / PSUBSCRIBE. All channels live under a
// common prefix so several deployments can share one Redis.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedis constructs a Redis bus. The client is owned by the caller.
func NewRedis(rdb redis.UniversalClient, prefix string, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "loom:"
	}
	return &Redis{rdb: rdb, prefix: prefix, log: log}
}

func (r *Redis) Name() string { return "redis" }

// Publish implements Bus.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return r.rdb.Publish(ctx, r.prefix+channel, payload).Err()
}

// Subscribe pattern-subscribes to every channel under the prefix.
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	ps := r.rdb.PSubscribe(ctx, r.prefix+"*")
	// Receive blocks until the subscription is confirmed so callers do not miss early publications.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				h(Message{
					Channel: strings.TrimPrefix(m.Channel, r.prefix),
					Payload: []byte(m.Payload),
				})
			}
		}
	}()

	r.log.Info("bus.redis.subscribed", "pattern", r.prefix+"*")
	return nil
}

// Close stops all subscriptions. The client stays open.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, ps := range r.subs {
		_ = ps.Close()
	}
	r.subs = nil
	return nil
}
