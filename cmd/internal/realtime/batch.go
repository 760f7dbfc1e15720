package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loom/cmd/internal/doctree"
	v1 "loom/shared/contracts/docsync/v1"
)

var (
	// ErrRoomClosed is returned when a room was evicted between lookup and use.
	// Callers retry through the registry.
	ErrRoomClosed = errors.New("realtime: room closed")

	// ErrBackpressure is returned when a room buffers too many batches since
	// its last successful checkpoint.
	ErrBackpressure = errors.New("realtime: too many unsaved changes")

	// ErrRoomStale is returned while a room resynchronizes from storage after
	// losing track of a sibling process.
	ErrRoomStale = errors.New("realtime: room resynchronizing")

	// ErrNotLive is returned when no room is held in memory for a document.
	ErrNotLive = errors.New("realtime: document not live")
)

// Batch is one diff batch. ResultVersion is set once the batch is committed.
type Batch struct {
	ID                 string
	DocumentID         string
	BaseVersion        int64
	ResultVersion      int64
	Steps              doctree.Steps
	OriginConnectionID string
	ActorID            string
	At                 time.Time
}

// VersionConflict rejects a batch whose base version is not the room's
// current version. Missed holds the batches committed since BaseVersion when
// they are still buffered; otherwise Replayable is false and the client must
// take a fresh snapshot.
type VersionConflict struct {
	BaseVersion    int64
	CurrentVersion int64
	Missed         []Batch
	Replayable     bool
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("realtime: version conflict: base=%d current=%d", e.BaseVersion, e.CurrentVersion)
}

func (b Batch) appliedPayload() v1.DiffAppliedPayload {
	steps, err := json.Marshal(b.Steps)
	if err != nil {
		steps = json.RawMessage("[]")
	}
	return v1.DiffAppliedPayload{
		DocumentID:         b.DocumentID,
		BatchID:            b.ID,
		BaseVersion:        b.BaseVersion,
		ResultVersion:      b.ResultVersion,
		Steps:              steps,
		OriginConnectionID: b.OriginConnectionID,
	}
}

func diffAppliedEnvelope(b Batch) v1.Envelope {
	return newEnvelope(v1.TypeDiffApplied, mustJSON(b.appliedPayload()), b.At)
}

func snapshotEnvelope(documentID string, tree *doctree.Node, version int64, resync bool) v1.Envelope {
	raw, err := json.Marshal(tree)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return newEnvelope(v1.TypeSnapshot, mustJSON(v1.SnapshotPayload{
		DocumentID: documentID,
		Tree:       raw,
		Version:    version,
		Resync:     resync,
	}), time.Now().UTC())
}

func errorEnvelope(code, msg string) v1.Envelope {
	return newEnvelope(v1.TypeError, mustJSON(v1.ErrorPayload{Code: code, Message: msg}), time.Now().UTC())
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      ts,
		Payload: payload,
	}
}

// mustJSON encodes protocol payloads, which only hold JSON-safe values.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("realtime: encode payload: %v", err))
	}
	return b
}
