package bus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMaxPayload is the largest message pg_notify accepts, minus headroom
// for the channel header.
const PostgresMaxPayload = 7900

// Postgres is a Bus over LISTEN/NOTIFY on a single PostgreSQL channel.
// Each notification carries "<channel>\n<payload>".
type Postgres struct {
	pool      *pgxpool.Pool
	pgChannel string
	log       *slog.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

// NewPostgres constructs a Postgres bus. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool, pgChannel string, log *slog.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("bus: nil pool")
	}
	if pgChannel == "" {
		pgChannel = "loom_bus"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Postgres{pool: pool, pgChannel: pgChannel, log: log}, nil
}

func (p *Postgres) Name() string { return "postgres" }

// Publish implements Bus. Oversized payloads are rejected with ErrPayloadTooLarge.
func (p *Postgres) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(channel)+1+len(payload) > PostgresMaxPayload {
		return ErrPayloadTooLarge
	}
	msg := make([]byte, 0, len(channel)+1+len(payload))
	msg = append(msg, channel...)
	msg = append(msg, '\n')
	msg = append(msg, payload...)
	_, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, p.pgChannel, string(msg))
	return err
}

// Subscribe holds a dedicated connection in LISTEN and reconnects with backoff on failure.
func (p *Postgres) Subscribe(ctx context.Context, h Handler) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = append(p.cancel, cancel)
	p.mu.Unlock()

	conn, err := p.listen(ctx)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		backoff := 200 * time.Millisecond
		for {
			err := p.receive(ctx, conn, h)
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Close(closeCtx)
			closeCancel()
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("bus.postgres.listen.lost", "err", err)
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				conn, err = p.listen(ctx)
				if err == nil {
					backoff = 200 * time.Millisecond
					break
				}
				backoff = min(backoff*2, 10*time.Second)
				p.log.Warn("bus.postgres.listen.retry", "err", err, "backoff", backoff)
			}
		}
	}()
	return nil
}

// listen takes a connection out of the pool for the lifetime of the subscription.
func (p *Postgres) listen(ctx context.Context) (*pgx.Conn, error) {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{p.pgChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (p *Postgres) receive(ctx context.Context, conn *pgx.Conn, h Handler) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		raw := []byte(n.Payload)
		i := bytes.IndexByte(raw, '\n')
		if i <= 0 {
			continue
		}
		h(Message{Channel: string(raw[:i]), Payload: raw[i+1:]})
	}
}

// Close stops all listeners. The pool stays open.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, c := range p.cancel {
		c()
	}
	p.cancel = nil
	return nil
}
