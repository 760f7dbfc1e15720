// Package docstore persists documents and the page catalog.
//
// Documents are stored as whole trees with a version number. The live room
// layer serializes writers per document, so SaveDocument only guards against
// going backwards. MutateDocument applies steps transactionally when no room
// is live for the document.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loom/cmd/internal/doctree"
)

var (
	// ErrNotFound is returned when a document or page does not exist.
	ErrNotFound = errors.New("docstore: not found")
	// ErrStaleVersion is returned when a save would move a document to an older version.
	ErrStaleVersion = errors.New("docstore: stale version")
	// ErrUnavailable wraps I/O failures of the backing store.
	ErrUnavailable = errors.New("docstore: storage unavailable")
	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("docstore: invalid input")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Document is the durable form of one document.
type Document struct {
	ID          string
	WorkspaceID string
	Tree        *doctree.Node
	Version     int64
	UpdatedAt   time.Time
}

// Page is one catalog record. Every page owns the document with the same id.
type Page struct {
	ID          string
	WorkspaceID string
	// ParentID is empty for workspace root pages.
	ParentID  string
	Title     string
	CreatedAt time.Time
	DeletedAt *time.Time
	DeletedBy string
}

// Deleted reports whether the page is in the trash.
func (p Page) Deleted() bool { return p.DeletedAt != nil }

// MutateFunc inspects the stored document and returns the steps to apply.
// Returning no steps leaves the document and its version untouched.
type MutateFunc func(Document) (doctree.Steps, error)

// DocumentStore loads and saves document content.
type DocumentStore interface {
	LoadDocument(ctx context.Context, id string) (Document, error)
	// SaveDocument persists tree and version. Saving a version lower than the
	// stored one fails with ErrStaleVersion; saving the same version overwrites.
	SaveDocument(ctx context.Context, doc Document) error
	// MutateDocument loads the document under a row lock, applies the steps
	// returned by fn, bumps the version and records a revision, atomically.
	MutateDocument(ctx context.Context, id, actorID string, fn MutateFunc) (Document, error)
}

// CatalogStore mutates page records.
type CatalogStore interface {
	GetPage(ctx context.Context, id string) (Page, error)
	// CreatePage inserts the page and its empty document at version 0.
	CreatePage(ctx context.Context, p Page) (Page, error)
	SetPageParent(ctx context.Context, id, parentID string) error
	TrashPage(ctx context.Context, id, actorID string, at time.Time) error
	RestorePage(ctx context.Context, id string) error
}

// Store is the full storage surface used by the server.
type Store interface {
	DocumentStore
	CatalogStore
	Close() error
}

func applyMutation(doc Document, fn MutateFunc) (Document, doctree.Steps, error) {
	steps, err := fn(doc)
	if err != nil {
		return doc, nil, err
	}
	if len(steps) == 0 {
		return doc, nil, nil
	}
	tree, err := doctree.Apply(doc.Tree, steps)
	if err != nil {
		return doc, nil, err
	}
	doc.Tree = tree
	doc.Version++
	return doc, steps, nil
}
