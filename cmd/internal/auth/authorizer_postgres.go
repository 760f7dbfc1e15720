package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/cmd/internal/docstore"
)

// PostgresAuthorizer checks capabilities via workspace_members and page_permissions.
type PostgresAuthorizer struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresAuthorizer behavior.
type PostgresOption func(*PostgresAuthorizer) error

// WithSchema sets the DB schema used by the authorizer (default: "loom").
func WithSchema(schema string) PostgresOption {
	return func(a *PostgresAuthorizer) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("auth: empty schema")
		}
		if !docstore.IsValidPGIdent(schema) {
			return errors.New("auth: invalid schema identifier")
		}
		a.schema = schema
		return nil
	}
}

// NewPostgresAuthorizer constructs an Authorizer backed by PostgreSQL.
func NewPostgresAuthorizer(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresAuthorizer, error) {
	a := &PostgresAuthorizer{
		pool:   pool,
		schema: "loom",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	return a, nil
}

// CanEdit is true when an explicit page grant allows it, or, absent a grant,
// when the user is an owner or editor of the page's workspace. Trashed pages
// are never editable.
func (a *PostgresAuthorizer) CanEdit(ctx context.Context, userID, documentID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" || documentID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	pages := pgIdent(a.schema, "pages")
	members := pgIdent(a.schema, "workspace_members")
	grants := pgIdent(a.schema, "page_permissions")

	var ok bool
	err := a.pool.QueryRow(ctx,
		`SELECT COALESCE(g.can_edit, m.role IN ('owner', 'editor'))
		   FROM `+pages+` p
		   LEFT JOIN `+members+` m ON m.workspace_id = p.workspace_id AND m.user_id = $2
		   LEFT JOIN `+grants+` g ON g.page_id = p.id AND g.user_id = $2
		  WHERE p.id = $1
		    AND p.deleted_at IS NULL
		    AND (m.user_id IS NOT NULL OR g.user_id IS NOT NULL)`,
		documentID, userID,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

// IsWorkspaceMember checks workspace_members.
func (a *PostgresAuthorizer) IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	workspaceID = strings.TrimSpace(workspaceID)
	if userID == "" || workspaceID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var one int
	err := a.pool.QueryRow(ctx,
		`SELECT 1 FROM `+pgIdent(a.schema, "workspace_members")+` WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
