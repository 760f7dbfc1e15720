package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"loom/cmd/internal/doctree"
)

// Revision is one audited direct mutation.
type Revision struct {
	DocumentID string
	Version    int64
	ActorID    string
	Steps      doctree.Steps
	At         time.Time
}

// MemoryStore is a dev-only Store used when no database is configured and in tests.
// Failures can be injected to exercise retry paths.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]Document
	pages     map[string]Page
	revisions []Revision

	loads      int
	failLoads  int
	failSaves  int
	loadDelay  time.Duration
	failureErr error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       make(map[string]Document),
		pages:      make(map[string]Page),
		failureErr: errors.New("injected failure"),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// PutDocument stores a document as-is.
func (s *MemoryStore) PutDocument(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Tree = doc.Tree.Clone()
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	s.docs[doc.ID] = doc
}

// FailNextLoads makes the next n LoadDocument calls fail with ErrUnavailable.
func (s *MemoryStore) FailNextLoads(n int) {
	s.mu.Lock()
	s.failLoads = n
	s.mu.Unlock()
}

// FailNextSaves makes the next n SaveDocument calls fail with ErrUnavailable.
func (s *MemoryStore) FailNextSaves(n int) {
	s.mu.Lock()
	s.failSaves = n
	s.mu.Unlock()
}

// SetLoadDelay delays every LoadDocument call.
func (s *MemoryStore) SetLoadDelay(d time.Duration) {
	s.mu.Lock()
	s.loadDelay = d
	s.mu.Unlock()
}

// Loads returns the number of LoadDocument calls that reached the store.
func (s *MemoryStore) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// Revisions returns the audit rows recorded for documentID.
func (s *MemoryStore) Revisions(documentID string) []Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Revision
	for _, r := range s.revisions {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out
}

// LoadDocument returns a copy of the stored document.
func (s *MemoryStore) LoadDocument(ctx context.Context, id string) (Document, error) {
	s.mu.Lock()
	s.loads++
	delay := s.loadDelay
	fail := s.failLoads > 0
	if fail {
		s.failLoads--
	}
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Document{}, unavailable("load document", ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Document{}, unavailable("load document", err)
	}
	if fail {
		return Document{}, unavailable("load document", s.failureErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Tree = doc.Tree.Clone()
	return doc, nil
}

// SaveDocument stores doc unless it would move the document backwards.
func (s *MemoryStore) SaveDocument(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" || doc.Tree == nil {
		return ErrInvalid
	}
	if err := ctx.Err(); err != nil {
		return unavailable("save document", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSaves > 0 {
		s.failSaves--
		return unavailable("save document", s.failureErr)
	}
	cur, ok := s.docs[doc.ID]
	if !ok {
		return ErrNotFound
	}
	if doc.Version < cur.Version {
		return ErrStaleVersion
	}
	cur.Tree = doc.Tree.Clone()
	cur.Version = doc.Version
	cur.UpdatedAt = time.Now().UTC()
	s.docs[doc.ID] = cur
	return nil
}

// MutateDocument applies fn's steps to the stored document atomically.
func (s *MemoryStore) MutateDocument(ctx context.Context, id, actorID string, fn MutateFunc) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, unavailable("mutate document", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSaves > 0 {
		s.failSaves--
		return Document{}, unavailable("mutate document", s.failureErr)
	}
	cur, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	in := cur
	in.Tree = cur.Tree.Clone()
	out, steps, err := applyMutation(in, fn)
	if err != nil {
		return Document{}, err
	}
	if steps == nil {
		return out, nil
	}
	out.UpdatedAt = time.Now().UTC()
	s.docs[id] = out
	s.revisions = append(s.revisions, Revision{
		DocumentID: id,
		Version:    out.Version,
		ActorID:    actorID,
		Steps:      steps,
		At:         out.UpdatedAt,
	})
	out.Tree = out.Tree.Clone()
	return out, nil
}

// GetPage returns a page record.
func (s *MemoryStore) GetPage(ctx context.Context, id string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, unavailable("get page", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return Page{}, ErrNotFound
	}
	return p, nil
}

// CreatePage inserts a page and its empty document.
func (s *MemoryStore) CreatePage(ctx context.Context, p Page) (Page, error) {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.WorkspaceID) == "" {
		return Page{}, ErrInvalid
	}
	if err := ctx.Err(); err != nil {
		return Page{}, unavailable("create page", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[p.ID]; ok {
		return Page{}, fmt.Errorf("%w: page %s exists", ErrInvalid, p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.pages[p.ID] = p
	s.docs[p.ID] = Document{
		ID:          p.ID,
		WorkspaceID: p.WorkspaceID,
		Tree:        doctree.EmptyDoc(),
		UpdatedAt:   p.CreatedAt,
	}
	return p, nil
}

// SetPageParent moves a live page under parentID.
func (s *MemoryStore) SetPageParent(ctx context.Context, id, parentID string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set page parent", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok || p.Deleted() {
		return ErrNotFound
	}
	p.ParentID = parentID
	s.pages[id] = p
	return nil
}

// TrashPage marks a page deleted. Trashing a trashed page is a no-op.
func (s *MemoryStore) TrashPage(ctx context.Context, id, actorID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return unavailable("trash page", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return ErrNotFound
	}
	if p.Deleted() {
		return nil
	}
	at = at.UTC()
	p.DeletedAt = &at
	p.DeletedBy = actorID
	s.pages[id] = p
	return nil
}

// RestorePage clears the deleted marker.
func (s *MemoryStore) RestorePage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("restore page", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return ErrNotFound
	}
	p.DeletedAt = nil
	p.DeletedBy = ""
	s.pages[id] = p
	return nil
}
