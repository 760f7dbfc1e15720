package bus

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestMemoryNetwork_DeliversToAllNodesInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := NewNetwork()
	a, b := net.Attach(), net.Attach()
	defer a.Close()
	defer b.Close()

	var ca, cb collector
	if err := a.Subscribe(ctx, ca.handle); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx, cb.handle); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	for _, p := range []string{"1", "2", "3"} {
		if err := a.Publish(ctx, "doc:x", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitFor(t, "both nodes to receive 3 messages", func() bool {
		return len(ca.snapshot()) == 3 && len(cb.snapshot()) == 3
	})
	for i, m := range cb.snapshot() {
		if m.Channel != "doc:x" || string(m.Payload) != []string{"1", "2", "3"}[i] {
			t.Fatalf("message %d = %s %q", i, m.Channel, m.Payload)
		}
	}
}

func TestMemoryNetwork_PartitionAndClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	net := NewNetwork()
	a, b := net.Attach(), net.Attach()
	defer a.Close()

	var cb collector
	if err := b.Subscribe(ctx, cb.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	net.SetPartitioned(true)
	_ = a.Publish(ctx, "doc:x", []byte("lost"))
	net.SetPartitioned(false)
	_ = a.Publish(ctx, "doc:x", []byte("kept"))

	waitFor(t, "post-partition message", func() bool { return len(cb.snapshot()) == 1 })
	if got := string(cb.snapshot()[0].Payload); got != "kept" {
		t.Fatalf("payload=%q want=kept", got)
	}

	_ = b.Close()
	if err := b.Publish(ctx, "doc:x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close err=%v", err)
	}
	if err := b.Subscribe(ctx, cb.handle); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close err=%v", err)
	}
}

func TestRedisBus_Integration(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("LOOM_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: LOOM_REDIS_URL is not set")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse LOOM_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := "loom-it-" + ulid.Make().String() + ":"
	p1 := NewRedis(rdb, prefix, nil)
	p2 := NewRedis(rdb, prefix, nil)
	defer p1.Close()
	defer p2.Close()

	var got collector
	if err := p2.Subscribe(ctx, got.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := p1.Publish(ctx, "doc:x", []byte(`{"k":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "redis delivery", func() bool { return len(got.snapshot()) == 1 })
	if m := got.snapshot()[0]; m.Channel != "doc:x" || string(m.Payload) != `{"k":1}` {
		t.Fatalf("message=%s %q", m.Channel, m.Payload)
	}
}

func TestPostgresBus_Integration(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("LOOM_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: LOOM_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	channel := "loom_it_" + strings.ToLower(ulid.Make().String())
	p1, err := NewPostgres(pool, channel, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p2, _ := NewPostgres(pool, channel, nil)
	defer p1.Close()
	defer p2.Close()

	var got collector
	if err := p2.Subscribe(ctx, got.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := p1.Publish(ctx, "workspace:w", []byte("line1\nline2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "postgres delivery", func() bool { return len(got.snapshot()) == 1 })
	if m := got.snapshot()[0]; m.Channel != "workspace:w" || string(m.Payload) != "line1\nline2" {
		t.Fatalf("message=%s %q", m.Channel, m.Payload)
	}

	big := make([]byte, PostgresMaxPayload)
	if err := p1.Publish(ctx, "doc:x", big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized publish err=%v", err)
	}
}
