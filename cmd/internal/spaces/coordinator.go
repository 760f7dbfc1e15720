// Package spaces applies sidebar operations (create, move, delete, restore)
// to the page tree.
//
// A page's place in the sidebar is recorded twice: in the catalog (ParentID)
// and as a page block in the parent's document. The coordinator always edits
// the document first, through the live room when one exists so connected
// editors see the change as an ordinary batch, and touches the catalog only
// once the content change has been committed.
package spaces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"loom/cmd/internal/docstore"
	"loom/cmd/internal/doctree"
	"loom/cmd/internal/events"
	"loom/cmd/internal/metrics"
	"loom/cmd/internal/realtime"
	"loom/cmd/internal/realtime/bus"
	v1 "loom/shared/contracts/docsync/v1"
)

var (
	// ErrInvalidParent is returned when the target parent is trashed or in another workspace.
	ErrInvalidParent = errors.New("spaces: invalid parent")
	// ErrCycle is returned when a page would move under its own subtree.
	ErrCycle = errors.New("spaces: page cannot move under itself")
	// ErrPageDeleted is returned when moving a trashed page.
	ErrPageDeleted = errors.New("spaces: page is deleted")
)

// Routes a content change can take.
const (
	RouteLive    = "live"
	RouteStorage = "storage"
	RouteNone    = "none"
)

// Operation names used for metrics.
const (
	OpCreate  = "create"
	OpMove    = "move"
	OpDelete  = "delete"
	OpRestore = "restore"
)

const (
	maxRouteAttempts = 4
	maxTreeDepth     = 256
	compensateWait   = 5 * time.Second
)

// Coordinator applies structural page operations.
type Coordinator struct {
	log     *slog.Logger
	catalog docstore.CatalogStore
	docs    docstore.DocumentStore
	reg     *realtime.Registry
	events  events.Dispatcher
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithEvents streams page events to d.
func WithEvents(d events.Dispatcher) Option {
	return func(c *Coordinator) {
		if d != nil {
			c.events = d
		}
	}
}

// WithMetrics records operation counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDs overrides page id generation.
func WithIDs(newID func() string) Option {
	return func(c *Coordinator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// NewCoordinator builds a coordinator over the catalog, document storage and
// the live room registry.
func NewCoordinator(log *slog.Logger, catalog docstore.CatalogStore, docs docstore.DocumentStore, reg *realtime.Registry, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:     log,
		catalog: catalog,
		docs:    docs,
		reg:     reg,
		events:  events.Nop{},
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Page returns the catalog record for id.
func (c *Coordinator) Page(ctx context.Context, id string) (docstore.Page, error) {
	return c.catalog.GetPage(ctx, id)
}

// CreatePage adds a page under parentID (empty for a workspace root page).
func (c *Coordinator) CreatePage(ctx context.Context, workspaceID, parentID, title, actorID string) (docstore.Page, error) {
	if parentID != "" {
		parent, err := c.catalog.GetPage(ctx, parentID)
		if err != nil {
			return docstore.Page{}, err
		}
		if parent.Deleted() || parent.WorkspaceID != workspaceID {
			return docstore.Page{}, ErrInvalidParent
		}
	}

	page := docstore.Page{
		ID:          c.newID(),
		WorkspaceID: workspaceID,
		ParentID:    parentID,
		Title:       title,
		CreatedAt:   c.now(),
	}
	route := RouteNone
	if parentID != "" {
		r, err := c.addChildRef(ctx, parentID, page, actorID)
		if err != nil {
			return docstore.Page{}, err
		}
		route = r
	}

	created, err := c.catalog.CreatePage(ctx, page)
	if err != nil {
		if parentID != "" {
			c.compensate(ctx, "create", parentID, page.ID, actorID)
		}
		return docstore.Page{}, err
	}

	c.finish(OpCreate, route, events.TypePageCreated, v1.PageCreated, created, "", actorID)
	return created, nil
}

// MovePage reparents a page. The reference is added to the new parent
// before it is removed from the old one, so a failure never loses the page
// from the sidebar.
func (c *Coordinator) MovePage(ctx context.Context, pageID, newParentID, actorID string) error {
	page, err := c.catalog.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if page.Deleted() {
		return ErrPageDeleted
	}
	if page.ParentID == newParentID {
		return nil
	}
	if newParentID != "" {
		if err := c.checkMoveTarget(ctx, page, newParentID); err != nil {
			return err
		}
	}

	route := RouteNone
	if newParentID != "" {
		r, err := c.addChildRef(ctx, newParentID, page, actorID)
		if err != nil {
			return err
		}
		route = r
	}
	if page.ParentID != "" {
		r, err := c.removeChildRef(ctx, page.ParentID, pageID, actorID)
		if err != nil {
			if newParentID != "" {
				c.compensate(ctx, "move", newParentID, pageID, actorID)
			}
			return err
		}
		route = widerRoute(route, r)
	}

	if err := c.catalog.SetPageParent(ctx, pageID, newParentID); err != nil {
		c.log.Error("spaces.move.catalog.fail", "page_id", pageID, "parent_id", newParentID, "err", err)
		return err
	}

	prev := page.ParentID
	page.ParentID = newParentID
	c.finish(OpMove, route, events.TypePageMoved, v1.PageMoved, page, prev, actorID)
	return nil
}

// DeletePage removes the page's reference from its parent and moves it to
// the trash. Deleting a trashed page is a no-op.
func (c *Coordinator) DeletePage(ctx context.Context, pageID, actorID string) error {
	page, err := c.catalog.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if page.Deleted() {
		return nil
	}

	route := RouteNone
	if page.ParentID != "" {
		r, err := c.removeChildRef(ctx, page.ParentID, pageID, actorID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			return err
		default:
			route = r
		}
	}

	if err := c.catalog.TrashPage(ctx, pageID, actorID, c.now()); err != nil {
		c.log.Error("spaces.delete.catalog.fail", "page_id", pageID, "err", err)
		return err
	}

	c.finish(OpDelete, route, events.TypePageDeleted, v1.PageDeleted, page, "", actorID)
	return nil
}

// RestorePage takes a page out of the trash. When its parent is gone the
// page comes back as a workspace root page.
func (c *Coordinator) RestorePage(ctx context.Context, pageID, actorID string) error {
	page, err := c.catalog.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if !page.Deleted() {
		return nil
	}

	parentID := page.ParentID
	if parentID != "" {
		parent, err := c.catalog.GetPage(ctx, parentID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			parentID = ""
		case err != nil:
			return err
		case parent.Deleted():
			parentID = ""
		}
	}

	route := RouteNone
	if parentID != "" {
		r, err := c.addChildRef(ctx, parentID, page, actorID)
		if err != nil {
			return err
		}
		route = r
	}

	if err := c.catalog.RestorePage(ctx, pageID); err != nil {
		c.log.Error("spaces.restore.catalog.fail", "page_id", pageID, "err", err)
		return err
	}
	if parentID != page.ParentID {
		if err := c.catalog.SetPageParent(ctx, pageID, parentID); err != nil {
			c.log.Error("spaces.restore.reparent.fail", "page_id", pageID, "err", err)
			return err
		}
	}

	prev := page.ParentID
	page.ParentID = parentID
	page.DeletedAt = nil
	page.DeletedBy = ""
	c.finish(OpRestore, route, events.TypePageRestored, v1.PageRestored, page, prev, actorID)
	return nil
}

func (c *Coordinator) checkMoveTarget(ctx context.Context, page docstore.Page, parentID string) error {
	if parentID == page.ID {
		return ErrCycle
	}
	parent, err := c.catalog.GetPage(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Deleted() || parent.WorkspaceID != page.WorkspaceID {
		return ErrInvalidParent
	}
	cur := parent
	for depth := 0; cur.ParentID != ""; depth++ {
		if cur.ParentID == page.ID {
			return ErrCycle
		}
		if depth >= maxTreeDepth {
			return fmt.Errorf("%w: page tree deeper than %d", ErrInvalidParent, maxTreeDepth)
		}
		cur, err = c.catalog.GetPage(ctx, cur.ParentID)
		if err != nil {
			return err
		}
	}
	return nil
}

// removeChildRef deletes the block referencing childID from parentID's
// document. A missing reference counts as already removed.
func (c *Coordinator) removeChildRef(ctx context.Context, parentID, childID, actorID string) (string, error) {
	return c.mutate(ctx, parentID, actorID, func(tree *doctree.Node, _ int64) (doctree.Steps, error) {
		loc, ok := doctree.FindPageRef(tree, childID)
		if !ok {
			return nil, nil
		}
		return doctree.Steps{doctree.RemoveNodeStep(loc)}, nil
	})
}

// addChildRef appends a block referencing child to parentID's document
// unless one is already there.
func (c *Coordinator) addChildRef(ctx context.Context, parentID string, child docstore.Page, actorID string) (string, error) {
	return c.mutate(ctx, parentID, actorID, func(tree *doctree.Node, _ int64) (doctree.Steps, error) {
		if _, ok := doctree.FindPageRef(tree, child.ID); ok {
			return nil, nil
		}
		return doctree.Steps{doctree.AppendNodeStep(tree, doctree.PageRef(child.ID, child.Title))}, nil
	})
}

// mutate commits build's steps to documentID: through the live room when
// one exists here, otherwise directly in storage while holding the
// document lock, so no room can hydrate the pre-change tree meanwhile.
func (c *Coordinator) mutate(ctx context.Context, documentID, actorID string, build realtime.BuildFunc) (string, error) {
	for attempt := 0; attempt < maxRouteAttempts; attempt++ {
		_, applied, err := c.reg.SubmitServerBatch(ctx, documentID, actorID, build)
		switch {
		case err == nil && applied:
			return RouteLive, nil
		case err == nil:
			return RouteNone, nil
		case !errors.Is(err, realtime.ErrNotLive):
			return "", err
		}

		route, retry, err := c.mutateStored(ctx, documentID, actorID, build)
		if retry {
			continue
		}
		return route, err
	}
	return "", fmt.Errorf("spaces: document %s kept changing hands", documentID)
}

func (c *Coordinator) mutateStored(ctx context.Context, documentID, actorID string, build realtime.BuildFunc) (route string, retry bool, err error) {
	unlock := c.reg.LockDocument(documentID)
	defer unlock()
	if c.reg.Lookup(documentID) != nil {
		return "", true, nil
	}

	var (
		base  int64
		steps doctree.Steps
		undo  func()
	)
	doc, err := c.docs.MutateDocument(ctx, documentID, actorID, func(d docstore.Document) (doctree.Steps, error) {
		base = d.Version
		s, err := build(d.Tree, d.Version)
		if err != nil || len(s) == 0 {
			return s, err
		}
		// A sibling process holding unsaved batches is ahead of storage.
		if undo, err = c.reg.AdvanceStored(ctx, documentID, d.Version); err != nil {
			return nil, err
		}
		steps = s
		return s, nil
	})
	if err != nil {
		if undo != nil {
			undo()
		}
		if errors.Is(err, bus.ErrAhead) {
			return "", false, realtime.ErrRoomStale
		}
		return "", false, err
	}
	if len(steps) == 0 {
		return RouteNone, false, nil
	}
	c.reg.AnnounceStored(doc.WorkspaceID, realtime.Batch{
		DocumentID:    documentID,
		BaseVersion:   base,
		ResultVersion: doc.Version,
		Steps:         steps,
		ActorID:       actorID,
		At:            c.now(),
	})
	return RouteStorage, false, nil
}

// compensate drops a reference added earlier in a failed operation.
func (c *Coordinator) compensate(ctx context.Context, op, parentID, childID, actorID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateWait)
	defer cancel()
	if _, err := c.removeChildRef(ctx, parentID, childID, actorID); err != nil {
		c.log.Error("spaces.compensate.fail", "op", op, "parent_id", parentID, "page_id", childID, "err", err)
	}
}

func (c *Coordinator) finish(op, route, eventType, pageEvent string, page docstore.Page, prevParentID, actorID string) {
	c.metrics.SpaceEvent(op, route)
	c.reg.Broadcaster().NotifyWorkspace(v1.PageEventPayload{
		WorkspaceID:      page.WorkspaceID,
		Event:            pageEvent,
		PageID:           page.ID,
		ParentID:         page.ParentID,
		PreviousParentID: prevParentID,
		ActorID:          actorID,
	})
	err := c.events.Enqueue(events.Event{
		Type:             eventType,
		WorkspaceID:      page.WorkspaceID,
		PageID:           page.ID,
		ParentID:         page.ParentID,
		PreviousParentID: prevParentID,
		ActorID:          actorID,
		At:               c.now(),
	})
	if err != nil {
		c.metrics.EventDropped()
		c.log.Debug("events.enqueue.fail", "page_id", page.ID, "op", op, "err", err)
	}
	c.log.Info("spaces."+op, "page_id", page.ID, "workspace_id", page.WorkspaceID, "parent_id", page.ParentID, "route", route)
}

// widerRoute reports the route that reached the most participants.
func widerRoute(a, b string) string {
	switch {
	case a == RouteLive || b == RouteLive:
		return RouteLive
	case a == RouteStorage || b == RouteStorage:
		return RouteStorage
	default:
		return RouteNone
	}
}
