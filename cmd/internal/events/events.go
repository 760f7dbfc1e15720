// Package events streams domain events (accepted diffs, page structure
// changes) to downstream consumers such as search indexing and audit.
// Delivery is asynchronous and best-effort; it never blocks editing.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event types.
const (
	TypeDiffApplied  = "diff.applied"
	TypePageCreated  = "page.created"
	TypePageMoved    = "page.moved"
	TypePageDeleted  = "page.deleted"
	TypePageRestored = "page.restored"
)

// Event is one domain event.
type Event struct {
	Type             string          `json:"type"`
	WorkspaceID      string          `json:"workspace_id,omitempty"`
	DocumentID       string          `json:"document_id,omitempty"`
	PageID           string          `json:"page_id,omitempty"`
	ParentID         string          `json:"parent_id,omitempty"`
	PreviousParentID string          `json:"previous_parent_id,omitempty"`
	ActorID          string          `json:"actor_id,omitempty"`
	ConnectionID     string          `json:"connection_id,omitempty"`
	BatchID          string          `json:"batch_id,omitempty"`
	BaseVersion      int64           `json:"base_version,omitempty"`
	Version          int64           `json:"version,omitempty"`
	Steps            json.RawMessage `json:"steps,omitempty"`
	At               time.Time       `json:"at"`
}

// Key is the partitioning key: events for one document stay ordered.
func (e Event) Key() string {
	if e.DocumentID != "" {
		return e.DocumentID
	}
	return e.PageID
}

// Dispatcher accepts events for asynchronous delivery.
type Dispatcher interface {
	// Enqueue never blocks; it fails with ErrQueueFull when the local buffer is exhausted.
	Enqueue(evt Event) error
	// Close flushes queued events until ctx is done.
	Close(ctx context.Context) error
}

var (
	// ErrQueueFull is returned when the dispatcher buffer is full.
	ErrQueueFull = errors.New("events: queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("events: dispatcher closed")
)

// Nop discards every event.
type Nop struct{}

func (Nop) Enqueue(Event) error         { return nil }
func (Nop) Close(context.Context) error { return nil }
