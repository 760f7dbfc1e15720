package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// A Fence keeps the newest committed version of every document that is live
// on more than one process. Advance moves a document's head from base to
// result and fails with *AheadError when a sibling already committed past
// base, so two processes can never both accept a batch at the same version.
//
// An unknown document, or a head behind base, counts as base: heads only
// lag when a backend lost them.
type Fence interface {
	Advance(ctx context.Context, documentID string, base, result int64) error
}

// ErrAhead matches every *AheadError.
var ErrAhead = errors.New("bus: document head is ahead")

// AheadError reports the head a sibling process reached.
type AheadError struct {
	DocumentID string
	Head       int64
}

func (e *AheadError) Error() string {
	return fmt.Sprintf("bus: document %s head is at version %d", e.DocumentID, e.Head)
}

func (e *AheadError) Is(target error) bool { return target == ErrAhead }

// MemoryFence is a Fence shared by in-process nodes of a Network.
type MemoryFence struct {
	mu    sync.Mutex
	heads map[string]int64
}

// NewMemoryFence constructs an empty MemoryFence.
func NewMemoryFence() *MemoryFence {
	return &MemoryFence{heads: make(map[string]int64)}
}

func (f *MemoryFence) Advance(ctx context.Context, documentID string, base, result int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if head, ok := f.heads[documentID]; ok && head > base {
		return &AheadError{DocumentID: documentID, Head: head}
	}
	f.heads[documentID] = result
	return nil
}

// Head returns the recorded head, or -1.
func (f *MemoryFence) Head(documentID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if head, ok := f.heads[documentID]; ok {
		return head
	}
	return -1
}

// RedisFenceTTL is how long an untouched head is kept.
const RedisFenceTTL = 24 * time.Hour

// advanceScript returns -1 on success, or the head that is ahead of base.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return tonumber(cur)
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return -1
`)

// RedisFence keeps heads as plain keys under the bus prefix.
type RedisFence struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisFence constructs a RedisFence. The client is owned by the caller.
func NewRedisFence(rdb redis.UniversalClient, prefix string) *RedisFence {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisFence{rdb: rdb, prefix: prefix + "head:"}
}

func (f *RedisFence) Advance(ctx context.Context, documentID string, base, result int64) error {
	head, err := advanceScript.Run(ctx, f.rdb, []string{f.prefix + documentID},
		base, result, RedisFenceTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("bus: redis fence: %w", err)
	}
	if head >= 0 {
		return &AheadError{DocumentID: documentID, Head: head}
	}
	return nil
}

// PostgresFence keeps heads in the document_heads table of schema, which
// docstore migrations create.
type PostgresFence struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresFence constructs a PostgresFence. The pool is owned by the caller.
func NewPostgresFence(pool *pgxpool.Pool, schema string) (*PostgresFence, error) {
	if pool == nil {
		return nil, errors.New("bus: nil pool")
	}
	if schema == "" {
		schema = "loom"
	}
	return &PostgresFence{pool: pool, table: pgx.Identifier{schema, "document_heads"}.Sanitize()}, nil
}

func (f *PostgresFence) Advance(ctx context.Context, documentID string, base, result int64) error {
	var head int64
	err := f.pool.QueryRow(ctx, `
INSERT INTO `+f.table+` AS h (document_id, version) VALUES ($1, $3)
ON CONFLICT (document_id) DO UPDATE SET version = EXCLUDED.version, updated_at = now()
WHERE h.version <= $2
RETURNING version`, documentID, base, result).Scan(&head)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("bus: postgres fence: %w", err)
	}
	if err := f.pool.QueryRow(ctx, `SELECT version FROM `+f.table+` WHERE document_id = $1`, documentID).Scan(&head); err != nil {
		return fmt.Errorf("bus: postgres fence: %w", err)
	}
	return &AheadError{DocumentID: documentID, Head: head}
}
