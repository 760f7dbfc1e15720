package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moby/locker"
	"golang.org/x/sync/singleflight"

	"loom/cmd/internal/docstore"
	"loom/cmd/internal/doctree"
	"loom/cmd/internal/events"
	"loom/cmd/internal/metrics"
	"loom/cmd/internal/realtime/bus"
	v1 "loom/shared/contracts/docsync/v1"
)

// RegistryConfig tunes room lifecycle and persistence.
type RegistryConfig struct {
	// CheckpointInterval is how often dirty rooms are flushed.
	CheckpointInterval time.Duration
	// CheckpointEvery triggers a flush after this many batches.
	CheckpointEvery int
	// MaxPendingDiffs rejects new batches while this many are unsaved.
	MaxPendingDiffs int
	// StorageTimeout bounds each storage call.
	StorageTimeout time.Duration
	// HydrateAttempts is how many loads are tried before giving up.
	HydrateAttempts int
	// RetryBaseBackoff and RetryMaxBackoff bound checkpoint retry delays.
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	// ServerBatchRetries bounds rebase attempts for server-originated batches.
	ServerBatchRetries int
	// ResyncTimeout is how long a stale room waits for storage to reach the
	// version a sibling announced before adopting whatever storage holds.
	ResyncTimeout time.Duration
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		CheckpointInterval: 2 * time.Second,
		CheckpointEvery:    50,
		MaxPendingDiffs:    1000,
		StorageTimeout:     5 * time.Second,
		HydrateAttempts:    3,
		RetryBaseBackoff:   200 * time.Millisecond,
		RetryMaxBackoff:    30 * time.Second,
		ServerBatchRetries: 5,
		ResyncTimeout:      30 * time.Second,
	}
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	d := DefaultRegistryConfig()
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.MaxPendingDiffs < 0 {
		c.MaxPendingDiffs = 0
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = d.StorageTimeout
	}
	if c.HydrateAttempts <= 0 {
		c.HydrateAttempts = d.HydrateAttempts
	}
	if c.RetryBaseBackoff <= 0 {
		c.RetryBaseBackoff = d.RetryBaseBackoff
	}
	if c.RetryMaxBackoff < c.RetryBaseBackoff {
		c.RetryMaxBackoff = d.RetryMaxBackoff
	}
	if c.ServerBatchRetries <= 0 {
		c.ServerBatchRetries = d.ServerBatchRetries
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = d.ResyncTimeout
	}
	return c
}

// Registry maps document ids to live rooms. At most one room per document
// exists in a process.
type Registry struct {
	log     *slog.Logger
	store   docstore.DocumentStore
	bc      *Broadcaster
	events  events.Dispatcher
	metrics *metrics.Metrics
	fence   bus.Fence
	cfg     RegistryConfig
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*Room

	hydrate singleflight.Group
	// locks serializes hydration with out-of-room storage writes per document.
	locks *locker.Locker

	kick      chan string
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithEvents sets the domain event dispatcher.
func WithEvents(d events.Dispatcher) RegistryOption {
	return func(r *Registry) {
		if d != nil {
			r.events = d
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithFence orders commits against sibling processes. Without one, the
// registry assumes it is the only writer of every document.
func WithFence(f bus.Fence) RegistryOption {
	return func(r *Registry) { r.fence = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry builds a registry over store. bc receives commit fan-out and
// feeds remote batches back in.
func NewRegistry(log *slog.Logger, store docstore.DocumentStore, bc *Broadcaster, cfg RegistryConfig, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if bc == nil {
		bc = NewBroadcaster(log, "", nil, nil, nil)
	}
	r := &Registry{
		log:     log,
		store:   store,
		bc:      bc,
		events:  events.Nop{},
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		rooms:   make(map[string]*Room),
		locks:   locker.New(),
		kick:    make(chan string, 256),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	bc.OnRemoteBatch(r.ApplyRemote)
	return r
}

// Broadcaster returns the fan-out used for committed batches.
func (r *Registry) Broadcaster() *Broadcaster { return r.bc }

// Lookup returns the live room for documentID, or nil.
func (r *Registry) Lookup(documentID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[documentID]
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// LockDocument blocks hydration of documentID until the returned func is
// called. Callers writing storage directly hold it and then re-check Lookup.
func (r *Registry) LockDocument(documentID string) (unlock func()) {
	r.locks.Lock(documentID)
	return func() { _ = r.locks.Unlock(documentID) }
}

// GetOrCreate returns the live room for documentID, hydrating it from
// storage when absent. Concurrent callers for the same document share one
// load; other documents are not blocked.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Room, error) {
	if room := r.Lookup(documentID); room != nil {
		return room, nil
	}
	ch := r.hydrate.DoChan(documentID, func() (any, error) {
		return r.hydrateRoom(documentID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	}
}

func (r *Registry) hydrateRoom(documentID string) (*Room, error) {
	if room := r.Lookup(documentID); room != nil {
		return room, nil
	}
	unlock := r.LockDocument(documentID)
	defer unlock()

	start := time.Now()
	doc, err := r.load(documentID)
	if err != nil {
		r.log.Warn("room.hydrate.fail", "doc_id", documentID, "err", err)
		return nil, err
	}
	r.metrics.ObserveHydrate(time.Since(start))

	room := newRoom(doc, r.now())
	r.mu.Lock()
	if existing := r.rooms[documentID]; existing != nil {
		r.mu.Unlock()
		return existing, nil
	}
	r.rooms[documentID] = room
	r.mu.Unlock()

	r.metrics.RoomOpened()
	r.log.Info("room.open", "doc_id", documentID, "workspace_id", doc.WorkspaceID, "version", doc.Version)
	return room, nil
}

func (r *Registry) load(documentID string) (docstore.Document, error) {
	var lastErr error
	backoff := r.cfg.RetryBaseBackoff
	for attempt := 1; attempt <= r.cfg.HydrateAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StorageTimeout)
		doc, err := r.store.LoadDocument(ctx, documentID)
		cancel()
		if err == nil {
			return doc, nil
		}
		if errors.Is(err, docstore.ErrNotFound) {
			return docstore.Document{}, err
		}
		lastErr = err
		if attempt == r.cfg.HydrateAttempts {
			break
		}
		select {
		case <-r.closing:
			return docstore.Document{}, lastErr
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.cfg.RetryMaxBackoff)
	}
	return docstore.Document{}, lastErr
}

// Join adds p to the room for documentID and returns the snapshot it starts
// from. The participant is attached to the document channel atomically with
// the snapshot.
func (r *Registry) Join(ctx context.Context, documentID string, p *Participant) (*doctree.Node, int64, error) {
	channel := v1.DocumentChannel(documentID)
	sub := Subscriber{ConnectionID: p.ConnectionID, UserID: p.UserID, Out: p.out}
	for attempt := 0; attempt < 3; attempt++ {
		room, err := r.GetOrCreate(ctx, documentID)
		if err != nil {
			return nil, 0, err
		}
		tree, version, err := room.join(p, r.now(), func() { r.bc.attach(channel, sub) })
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		p.room = room
		r.metrics.ParticipantJoined()
		return tree, version, nil
	}
	return nil, 0, ErrRoomClosed
}

// Leave removes p from its room. The last participant leaving schedules a
// checkpoint followed by eviction.
func (r *Registry) Leave(p *Participant) {
	room := p.room
	if room == nil {
		return
	}
	channel := v1.DocumentChannel(room.DocumentID)
	removed, remaining := room.leave(p.ConnectionID, r.now(), func() { r.bc.Leave(channel, p.ConnectionID) })
	p.room = nil
	if !removed {
		return
	}
	r.metrics.ParticipantLeft()
	if remaining == 0 {
		r.requestCheckpoint(room.DocumentID)
	}
}

// Submit commits b to room. Accepted batches are delivered to the other
// local participants and published to sibling processes before Submit
// returns.
func (r *Registry) Submit(ctx context.Context, room *Room, b Batch) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if b.ID == "" {
		b.ID = NewBatchID()
	}
	if b.At.IsZero() {
		b.At = r.now()
	}
	b.DocumentID = room.DocumentID
	channel := v1.DocumentChannel(room.DocumentID)

	onCommit := func(c Batch) {
		r.bc.deliverLocal(channel, diffAppliedEnvelope(c), c.OriginConnectionID)
		r.bc.publishBatch(c)
	}
	committed, err := room.apply(b, r.cfg.MaxPendingDiffs, r.fenceFor(ctx, room.DocumentID), onCommit)
	var ahead *bus.AheadError
	if errors.As(err, &ahead) {
		// A sibling committed first. Once its batch arrives over the bus the
		// retry is an ordinary conflict carrying the missed batches.
		if !r.awaitSibling(ctx, room, ahead.Head) {
			return Batch{}, ErrRoomStale
		}
		committed, err = room.apply(b, r.cfg.MaxPendingDiffs, r.fenceFor(ctx, room.DocumentID), onCommit)
		if errors.As(err, &ahead) {
			return Batch{}, ErrRoomStale
		}
	}
	if err != nil {
		var vc *VersionConflict
		var se *doctree.StructuralError
		switch {
		case errors.As(err, &vc):
			r.metrics.DiffRejected(metrics.ReasonVersionConflict)
		case errors.As(err, &se):
			r.metrics.DiffRejected(metrics.ReasonStructural)
		case errors.Is(err, ErrBackpressure):
			r.metrics.DiffRejected(metrics.ReasonBackpressure)
			r.requestCheckpoint(room.DocumentID)
		}
		return Batch{}, err
	}

	r.metrics.DiffApplied()
	if room.PendingCount() >= r.cfg.CheckpointEvery {
		r.requestCheckpoint(room.DocumentID)
	}
	r.emitDiffApplied(room.WorkspaceID, committed)
	return committed, nil
}

func (r *Registry) fenceFor(ctx context.Context, documentID string) func(base, result int64) error {
	if r.fence == nil {
		return nil
	}
	return func(base, result int64) error {
		fctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
		defer cancel()
		err := r.fence.Advance(fctx, documentID, base, result)
		if err != nil && !errors.Is(err, bus.ErrAhead) {
			return fmt.Errorf("%w: version fence: %w", docstore.ErrUnavailable, err)
		}
		return err
	}
}

// awaitSibling waits for a sibling's batches up to head to be applied here.
// When they do not arrive in time the room resyncs from storage.
func (r *Registry) awaitSibling(ctx context.Context, room *Room, head int64) bool {
	wctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()
	if room.waitVersion(wctx, head) {
		return true
	}
	r.log.Warn("room.fence.behind", "doc_id", room.DocumentID, "version", room.Version(), "head", head)
	room.markStale(head)
	r.startResync(room)
	return false
}

// AdvanceStored moves the fence for a change written straight to storage.
// undo reverts it when the write does not commit.
func (r *Registry) AdvanceStored(ctx context.Context, documentID string, base int64) (undo func(), err error) {
	advance := r.fenceFor(ctx, documentID)
	if advance == nil {
		return func() {}, nil
	}
	if err := advance(base, base+1); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StorageTimeout)
		defer cancel()
		if err := r.fence.Advance(ctx, documentID, base+1, base); err != nil {
			r.log.Warn("room.fence.undo.fail", "doc_id", documentID, "err", err)
		}
	}, nil
}

// AnnounceStored reports a batch committed straight to storage, while no
// room was live here, to sibling processes and the event stream.
func (r *Registry) AnnounceStored(workspaceID string, b Batch) {
	if b.ID == "" {
		b.ID = NewBatchID()
	}
	if b.At.IsZero() {
		b.At = r.now()
	}
	r.bc.publishBatch(b)
	r.emitDiffApplied(workspaceID, b)
}

func (r *Registry) emitDiffApplied(workspaceID string, b Batch) {
	p := b.appliedPayload()
	err := r.events.Enqueue(events.Event{
		Type:         events.TypeDiffApplied,
		WorkspaceID:  workspaceID,
		DocumentID:   b.DocumentID,
		ActorID:      b.ActorID,
		ConnectionID: b.OriginConnectionID,
		BatchID:      b.ID,
		BaseVersion:  b.BaseVersion,
		Version:      b.ResultVersion,
		Steps:        p.Steps,
		At:           b.At,
	})
	if err != nil {
		r.metrics.EventDropped()
		r.log.Debug("events.enqueue.fail", "doc_id", b.DocumentID, "err", err)
	}
}

// BuildFunc computes steps against the current tree of a live room.
type BuildFunc func(tree *doctree.Node, version int64) (doctree.Steps, error)

// SubmitServerBatch commits a server-originated change to a live room,
// recomputing it against the newest tree when a client commit races ahead.
// applied is false when build returns no steps. ErrNotLive means the
// document has no room and must be changed in storage instead.
func (r *Registry) SubmitServerBatch(ctx context.Context, documentID, actorID string, build BuildFunc) (b Batch, applied bool, err error) {
	for attempt := 0; attempt < r.cfg.ServerBatchRetries; attempt++ {
		room := r.Lookup(documentID)
		if room == nil {
			return Batch{}, false, ErrNotLive
		}
		tree, version := room.Snapshot()
		steps, err := build(tree, version)
		if err != nil {
			return Batch{}, false, err
		}
		if len(steps) == 0 {
			return Batch{DocumentID: documentID, BaseVersion: version, ResultVersion: version}, false, nil
		}
		b, err := r.Submit(ctx, room, Batch{BaseVersion: version, Steps: steps, ActorID: actorID})
		var vc *VersionConflict
		switch {
		case errors.As(err, &vc):
			continue
		case errors.Is(err, ErrRoomClosed):
			return Batch{}, false, ErrNotLive
		case err != nil:
			return Batch{}, false, err
		}
		return b, true, nil
	}
	return Batch{}, false, errors.New("realtime: server batch kept conflicting")
}

// ApplyRemote follows a batch committed by a sibling process. Documents
// without a live room here are ignored; storage catches up on hydration.
func (r *Registry) ApplyRemote(b Batch) {
	room := r.Lookup(b.DocumentID)
	if room == nil {
		return
	}
	channel := v1.DocumentChannel(b.DocumentID)
	res := room.applyRemote(b, func(c Batch) {
		r.bc.deliverLocal(channel, diffAppliedEnvelope(c), "")
	})
	switch res {
	case remoteGap, remoteDiverged:
		r.log.Warn("room.remote.out_of_sync", "doc_id", b.DocumentID, "base", b.BaseVersion, "result", b.ResultVersion, "diverged", res == remoteDiverged)
		r.startResync(room)
	}
}

func (r *Registry) startResync(room *Room) {
	if !room.beginResync() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resync(room)
	}()
}

func (r *Registry) resync(room *Room) {
	backoff := r.cfg.RetryBaseBackoff
	deadline := time.Now().Add(r.cfg.ResyncTimeout)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StorageTimeout)
		doc, err := r.store.LoadDocument(ctx, room.DocumentID)
		cancel()
		if err == nil && (doc.Version >= room.resyncTarget() || time.Now().After(deadline)) {
			room.reset(doc, func(tree *doctree.Node, version int64, ps []*Participant) {
				env := snapshotEnvelope(room.DocumentID, tree, version, true)
				for _, p := range ps {
					p.out.Deliver(env)
				}
			})
			r.log.Info("room.resync.ok", "doc_id", room.DocumentID, "version", doc.Version)
			return
		}
		select {
		case <-r.closing:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.cfg.RetryMaxBackoff)
	}
}
