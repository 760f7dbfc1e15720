package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/cmd/internal/doctree"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - MutateDocument takes a per-document transactional advisory lock plus a
//     row lock, so direct mutations never interleave with each other.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "loom").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !IsValidPGIdent(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "loom",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the configured schema name.
func (s *PostgresStore) Schema() string { return s.schema }

// Migrate creates the schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// LoadDocument reads a document's tree and version.
func (s *PostgresStore) LoadDocument(ctx context.Context, id string) (Document, error) {
	if strings.TrimSpace(id) == "" {
		return Document{}, ErrInvalid
	}
	doc, err := readDocument(ctx, s.pool, pgIdent(s.schema, "documents"), id, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, unavailable("load document", err)
	}
	return doc, nil
}

// SaveDocument writes tree and version unless the stored version is newer.
func (s *PostgresStore) SaveDocument(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" || doc.Tree == nil {
		return ErrInvalid
	}
	raw, err := json.Marshal(doc.Tree)
	if err != nil {
		return fmt.Errorf("%w: encode tree: %v", ErrInvalid, err)
	}

	documents := pgIdent(s.schema, "documents")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+documents+`
		    SET tree = $2, version = $3, updated_at = now()
		  WHERE id = $1 AND version <= $3`,
		doc.ID, raw, doc.Version,
	)
	if err != nil {
		return unavailable("save document", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM `+documents+` WHERE id = $1`, doc.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("save document", err)
	}
	return ErrStaleVersion
}

// MutateDocument applies fn's steps to the stored document in one transaction.
func (s *PostgresStore) MutateDocument(ctx context.Context, id, actorID string, fn MutateFunc) (Document, error) {
	if strings.TrimSpace(id) == "" || fn == nil {
		return Document{}, ErrInvalid
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Document{}, unavailable("mutate document", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	documents := pgIdent(s.schema, "documents")
	revisions := pgIdent(s.schema, "document_revisions")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "doc:"+id); err != nil {
		return Document{}, unavailable("advisory lock", err)
	}

	cur, err := readDocument(ctx, tx, documents, id, true)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, unavailable("mutate document", err)
	}

	out, steps, err := applyMutation(cur, fn)
	if err != nil {
		return Document{}, err
	}
	if steps == nil {
		return out, nil
	}

	rawTree, err := json.Marshal(out.Tree)
	if err != nil {
		return Document{}, fmt.Errorf("%w: encode tree: %v", ErrInvalid, err)
	}
	rawSteps, err := json.Marshal(steps)
	if err != nil {
		return Document{}, fmt.Errorf("%w: encode steps: %v", ErrInvalid, err)
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+documents+`
		    SET tree = $2, version = $3, updated_at = now()
		  WHERE id = $1
		RETURNING updated_at`,
		id, rawTree, out.Version,
	).Scan(&out.UpdatedAt); err != nil {
		return Document{}, unavailable("mutate document", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+revisions+` (document_id, version, actor_id, steps)
		 VALUES ($1, $2, $3, $4)`,
		id, out.Version, actorID, rawSteps,
	); err != nil {
		return Document{}, unavailable("insert revision", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, unavailable("commit", err)
	}
	return out, nil
}

// GetPage returns a page record.
func (s *PostgresStore) GetPage(ctx context.Context, id string) (Page, error) {
	var (
		p        Page
		parentID *string
		deleted  *time.Time
		by       *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, parent_id, title, created_at, deleted_at, deleted_by
		   FROM `+pgIdent(s.schema, "pages")+`
		  WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.WorkspaceID, &parentID, &p.Title, &p.CreatedAt, &deleted, &by)
	if errors.Is(err, pgx.ErrNoRows) {
		return Page{}, ErrNotFound
	}
	if err != nil {
		return Page{}, unavailable("get page", err)
	}
	if parentID != nil {
		p.ParentID = *parentID
	}
	if by != nil {
		p.DeletedBy = *by
	}
	p.DeletedAt = deleted
	return p, nil
}

// CreatePage inserts a page and its empty document.
func (s *PostgresStore) CreatePage(ctx context.Context, p Page) (Page, error) {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.WorkspaceID) == "" {
		return Page{}, ErrInvalid
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	rawTree, err := json.Marshal(doctree.EmptyDoc())
	if err != nil {
		return Page{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return Page{}, unavailable("create page", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "pages")+` (id, workspace_id, parent_id, title, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		p.ID, p.WorkspaceID, p.ParentID, p.Title, p.CreatedAt,
	); err != nil {
		return Page{}, unavailable("insert page", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "documents")+` (id, workspace_id, tree, version)
		 VALUES ($1, $2, $3, 0)`,
		p.ID, p.WorkspaceID, rawTree,
	); err != nil {
		return Page{}, unavailable("insert document", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Page{}, unavailable("commit", err)
	}
	return p, nil
}

// SetPageParent moves a live page under parentID (empty for root).
func (s *PostgresStore) SetPageParent(ctx context.Context, id, parentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "pages")+`
		    SET parent_id = NULLIF($2, '')
		  WHERE id = $1 AND deleted_at IS NULL`,
		id, parentID,
	)
	if err != nil {
		return unavailable("set page parent", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TrashPage marks a page deleted. Trashing a trashed page is a no-op.
func (s *PostgresStore) TrashPage(ctx context.Context, id, actorID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "pages")+`
		    SET deleted_at = COALESCE(deleted_at, $2),
		        deleted_by = COALESCE(deleted_by, NULLIF($3, ''))
		  WHERE id = $1`,
		id, at.UTC(), actorID,
	)
	if err != nil {
		return unavailable("trash page", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RestorePage clears the deleted marker.
func (s *PostgresStore) RestorePage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "pages")+`
		    SET deleted_at = NULL, deleted_by = NULL
		  WHERE id = $1`,
		id,
	)
	if err != nil {
		return unavailable("restore page", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readDocument(ctx context.Context, q queryRower, documentsTable, id string, forUpdate bool) (Document, error) {
	sql := `SELECT id, workspace_id, tree, version, updated_at FROM ` + documentsTable + ` WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		doc Document
		raw []byte
	)
	if err := q.QueryRow(ctx, sql, id).Scan(&doc.ID, &doc.WorkspaceID, &raw, &doc.Version, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	var tree doctree.Node
	if err := json.Unmarshal(raw, &tree); err != nil {
		return Document{}, fmt.Errorf("decode tree: %w", err)
	}
	doc.Tree = &tree
	return doc, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidPGIdent reports whether s is a plain PostgreSQL identifier.
func IsValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// SchemaSQL returns the DDL for all tables in schema.
func SchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id           TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  parent_id    TEXT NULL,
  title        TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  deleted_at   TIMESTAMPTZ NULL,
  deleted_by   TEXT NULL
);

CREATE INDEX IF NOT EXISTS pages_workspace_parent_idx ON %[2]s (workspace_id, parent_id);

CREATE TABLE IF NOT EXISTS %[3]s (
  id           TEXT PRIMARY KEY REFERENCES %[2]s(id) ON DELETE CASCADE,
  workspace_id TEXT NOT NULL,
  tree         JSONB NOT NULL,
  version      BIGINT NOT NULL DEFAULT 0 CHECK (version >= 0),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[4]s (
  document_id TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  version     BIGINT NOT NULL,
  actor_id    TEXT NOT NULL DEFAULT '',
  steps       JSONB NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (document_id, version)
);

CREATE TABLE IF NOT EXISTS %[7]s (
  document_id TEXT PRIMARY KEY,
  version     BIGINT NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[5]s (
  workspace_id TEXT NOT NULL,
  user_id      TEXT NOT NULL,
  role         TEXT NOT NULL CHECK (role IN ('owner', 'editor', 'viewer')),
  PRIMARY KEY (workspace_id, user_id)
);

CREATE TABLE IF NOT EXISTS %[6]s (
  page_id  TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  user_id  TEXT NOT NULL,
  can_edit BOOLEAN NOT NULL,
  PRIMARY KEY (page_id, user_id)
);
`,
		pgx.Identifier{schema}.Sanitize(),
		pgIdent(schema, "pages"),
		pgIdent(schema, "documents"),
		pgIdent(schema, "document_revisions"),
		pgIdent(schema, "workspace_members"),
		pgIdent(schema, "page_permissions"),
		pgIdent(schema, "document_heads"),
	)
}
