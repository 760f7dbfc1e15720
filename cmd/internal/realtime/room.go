// Package realtime hosts live documents: rooms, their registry, the
// per-connection session state machine, channel fan-out and the websocket
// gateway.
//
// Lock order: Registry.mu, then Room.mu, then Broadcaster.mu, then a
// participant outbox. Nothing acquires a lock on the left while holding one
// on the right.
package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"loom/cmd/internal/docstore"
	"loom/cmd/internal/doctree"
)

// Room is the in-memory authority for one document.
//
// Trees are never mutated in place: every commit swaps in a new tree, so a
// tree obtained under the lock may be read (or saved) after the lock is
// released.
type Room struct {
	DocumentID  string
	WorkspaceID string

	mu           sync.Mutex
	version      int64
	tree         *doctree.Node
	participants map[string]*Participant
	pending      []Batch
	checkpointed int64
	closed       bool
	lastActive   time.Time
	// changed is closed and replaced whenever version moves.
	changed chan struct{}

	// Resync state: set when a sibling process is ahead of us.
	stale       bool
	resyncing   bool
	wantVersion int64

	// Checkpoint state. ckMu serializes saves for this room only.
	ckMu        sync.Mutex
	ckFailures  int
	ckNotBefore time.Time
}

func newRoom(doc docstore.Document, now time.Time) *Room {
	tree := doc.Tree
	if tree == nil {
		tree = doctree.EmptyDoc()
	}
	return &Room{
		DocumentID:   doc.ID,
		WorkspaceID:  doc.WorkspaceID,
		version:      doc.Version,
		tree:         tree,
		participants: make(map[string]*Participant),
		checkpointed: doc.Version,
		lastActive:   now,
		changed:      make(chan struct{}),
	}
}

func (r *Room) versionMovedLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// waitVersion blocks until the room reaches v or ctx is done.
func (r *Room) waitVersion(ctx context.Context, v int64) bool {
	for {
		r.mu.Lock()
		cur, changed, closed := r.version, r.changed, r.closed
		r.mu.Unlock()
		if cur >= v {
			return true
		}
		if closed {
			return false
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

// Snapshot returns the current tree and version.
func (r *Room) Snapshot() (*doctree.Node, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree, r.version
}

// Version returns the current version.
func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// CheckpointedVersion returns the last version known to be persisted.
func (r *Room) CheckpointedVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpointed
}

// PendingCount returns the number of committed batches not yet persisted.
func (r *Room) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Participants returns the number of joined participants.
func (r *Room) Participants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Closed reports whether the room was evicted.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ParticipantIDs returns joined connection ids, sorted.
func (r *Room) ParticipantIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// join adds p and returns the snapshot it starts from. attach runs under the
// room lock so no commit can slip between the snapshot and channel membership.
func (r *Room) join(p *Participant, now time.Time, attach func()) (*doctree.Node, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, ErrRoomClosed
	}
	r.participants[p.ConnectionID] = p
	r.lastActive = now
	if attach != nil {
		attach()
	}
	return r.tree, r.version, nil
}

// leave removes the participant and reports how many remain.
func (r *Room) leave(connectionID string, now time.Time, detach func()) (removed bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[connectionID]; ok {
		delete(r.participants, connectionID)
		removed = true
		if detach != nil {
			detach()
		}
	}
	r.lastActive = now
	return removed, len(r.participants)
}

// apply validates and commits b. fence, when set, must accept the version
// step before anything changes. onCommit runs under the room lock after the
// batch is in pending, so fan-out happens in commit order and never before
// the batch is accepted.
func (r *Room) apply(b Batch, maxPending int, fence func(base, result int64) error, onCommit func(Batch)) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Batch{}, ErrRoomClosed
	}
	if r.stale {
		return Batch{}, ErrRoomStale
	}
	if b.BaseVersion != r.version {
		missed, ok := r.diffsSinceLocked(b.BaseVersion)
		return Batch{}, &VersionConflict{
			BaseVersion:    b.BaseVersion,
			CurrentVersion: r.version,
			Missed:         missed,
			Replayable:     ok,
		}
	}
	if maxPending > 0 && len(r.pending) >= maxPending {
		return Batch{}, ErrBackpressure
	}

	tree, err := doctree.Apply(r.tree, b.Steps)
	if err != nil {
		return Batch{}, err
	}
	if fence != nil {
		if err := fence(r.version, r.version+1); err != nil {
			return Batch{}, err
		}
	}

	r.tree = tree
	r.version++
	b.ResultVersion = r.version
	r.pending = append(r.pending, b)
	r.lastActive = b.At
	r.versionMovedLocked()

	if onCommit != nil {
		onCommit(b)
	}
	return b, nil
}

// DiffsSince returns the committed batches after base, oldest first. ok is
// false when part of the range was already trimmed by a checkpoint or base
// lies ahead of the room.
func (r *Room) DiffsSince(base int64) ([]Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diffsSinceLocked(base)
}

func (r *Room) diffsSinceLocked(base int64) ([]Batch, bool) {
	if base > r.version || base < 0 {
		return nil, false
	}
	if base == r.version {
		return nil, true
	}
	if len(r.pending) == 0 || r.pending[0].BaseVersion > base {
		return nil, false
	}
	i := sort.Search(len(r.pending), func(i int) bool { return r.pending[i].ResultVersion > base })
	out := make([]Batch, len(r.pending)-i)
	copy(out, r.pending[i:])
	return out, true
}

type remoteResult int

const (
	remoteApplied remoteResult = iota
	remoteDuplicate
	remoteGap
	remoteDiverged
	remoteIgnored
)

// applyRemote follows a batch committed by a sibling process.
func (r *Room) applyRemote(b Batch, onCommit func(Batch)) remoteResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return remoteIgnored
	}
	if r.stale {
		if b.ResultVersion > r.wantVersion {
			r.wantVersion = b.ResultVersion
		}
		return remoteIgnored
	}
	if b.ResultVersion <= r.version {
		for _, p := range r.pending {
			if p.ResultVersion == b.ResultVersion {
				if p.ID == b.ID {
					return remoteDuplicate
				}
				r.markStaleLocked(0)
				return remoteDiverged
			}
		}
		return remoteDuplicate
	}
	if b.BaseVersion != r.version {
		r.markStaleLocked(b.ResultVersion)
		return remoteGap
	}

	tree, err := doctree.Apply(r.tree, b.Steps)
	if err != nil {
		r.markStaleLocked(0)
		return remoteDiverged
	}
	r.tree = tree
	r.version = b.ResultVersion
	r.pending = append(r.pending, b)
	r.lastActive = b.At
	r.versionMovedLocked()
	if onCommit != nil {
		onCommit(b)
	}
	return remoteApplied
}

func (r *Room) markStaleLocked(want int64) {
	r.stale = true
	if want > r.wantVersion {
		r.wantVersion = want
	}
}

// beginResync reports whether the caller should run the resync loop.
func (r *Room) beginResync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stale || r.resyncing || r.closed {
		return false
	}
	r.resyncing = true
	return true
}

func (r *Room) resyncTarget() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wantVersion
}

// reset replaces the room state with doc and hands the new snapshot to every
// participant via onReset, under the room lock.
func (r *Room) reset(doc docstore.Document, onReset func(tree *doctree.Node, version int64, ps []*Participant)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree := doc.Tree
	if tree == nil {
		tree = doctree.EmptyDoc()
	}
	r.tree = tree
	r.version = doc.Version
	r.checkpointed = doc.Version
	r.versionMovedLocked()
	r.pending = nil
	r.stale = false
	r.resyncing = false
	r.wantVersion = 0
	if onReset != nil {
		ps := make([]*Participant, 0, len(r.participants))
		for _, p := range r.participants {
			ps = append(ps, p)
		}
		onReset(tree, doc.Version, ps)
	}
}

// checkpointState returns what a checkpoint would save. dirty is false when
// storage already holds the current version or the room must not write.
func (r *Room) checkpointState() (tree *doctree.Node, version int64, dirty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale || r.closed {
		return nil, 0, false
	}
	return r.tree, r.version, r.version > r.checkpointed
}

// markCheckpointed trims pending up to version.
func (r *Room) markCheckpointed(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.checkpointed {
		r.checkpointed = version
	}
	i := 0
	for i < len(r.pending) && r.pending[i].ResultVersion <= version {
		i++
	}
	r.pending = append(r.pending[:0:0], r.pending[i:]...)
}

func (r *Room) markStale(want int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markStaleLocked(want)
}

// tryClose closes the room when nobody is joined and nothing is unsaved.
// The caller holds the registry lock.
func (r *Room) tryClose() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	if len(r.participants) > 0 || len(r.pending) > 0 || r.version > r.checkpointed || r.stale {
		return false
	}
	r.closed = true
	r.versionMovedLocked()
	return true
}

func (r *Room) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}
