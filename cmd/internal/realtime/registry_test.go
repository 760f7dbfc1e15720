package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"loom/cmd/internal/docstore"
	"loom/cmd/internal/doctree"
	"loom/cmd/internal/realtime/bus"
	v1 "loom/shared/contracts/docsync/v1"
)

func TestRegistry_GetOrCreateSharesOneHydration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.store.SetLoadDelay(50 * time.Millisecond)

	const callers = 16
	rooms := make([]*Room, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := f.reg.GetOrCreate(context.Background(), testDoc)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("caller %d got a different room", i)
		}
	}
	if n := f.store.Loads(); n != 1 {
		t.Fatalf("loads=%d want=1", n)
	}
	if f.reg.Len() != 1 {
		t.Fatalf("rooms=%d want=1", f.reg.Len())
	}
}

func TestRegistry_GetOrCreateCallerTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.store.SetLoadDelay(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.reg.GetOrCreate(ctx, testDoc); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want=%v", err, context.DeadlineExceeded)
	}
	// The shared load still completes for later callers.
	room, err := f.reg.GetOrCreate(context.Background(), testDoc)
	if err != nil || room == nil {
		t.Fatalf("GetOrCreate: room=%v err=%v", room, err)
	}
}

func TestRegistry_HydrationFailureIsReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.store.FailNextLoads(3)

	a, _ := f.session("conn-a", "user-a")
	out := a.Handle(context.Background(), envelope(t, v1.TypeSubscribe, v1.SubscribePayload{DocumentID: testDoc}))
	if got := errorCode(t, out); got != v1.CodeStorageUnavailable {
		t.Fatalf("code=%q want=%q", got, v1.CodeStorageUnavailable)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("rooms=%d want=0", f.reg.Len())
	}
	if a.State() != StateConnecting {
		t.Fatalf("state=%s want=connecting", a.State())
	}

	subscribeDoc(t, a, testDoc)
}

func TestRegistry_HydrationRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.store.FailNextLoads(2)

	room, err := f.reg.GetOrCreate(context.Background(), testDoc)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if room.Version() != 5 {
		t.Fatalf("version=%d want=5", room.Version())
	}
}

func TestRegistry_HydrationNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	if _, err := f.reg.GetOrCreate(context.Background(), "missing"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("err=%v want=%v", err, docstore.ErrNotFound)
	}
	if n := f.store.Loads(); n != 1 {
		t.Fatalf("loads=%d want=1 (not found is not retried)", n)
	}
}

func TestRegistry_CheckpointFailureKeepsBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ctx := context.Background()
	room, err := f.reg.GetOrCreate(ctx, testDoc)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := f.reg.Submit(ctx, room, Batch{BaseVersion: 5, Steps: insertText(1, "x")}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.store.FailNextSaves(1)
	if err := f.reg.Checkpoint(ctx, room); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("Checkpoint err=%v want=%v", err, docstore.ErrUnavailable)
	}
	if room.CheckpointedVersion() != 5 || room.PendingCount() != 1 {
		t.Fatalf("checkpointed=%d pending=%d want 5 and 1", room.CheckpointedVersion(), room.PendingCount())
	}
	if f.reg.Lookup(testDoc) != room {
		t.Fatalf("room dropped after failed checkpoint")
	}

	if err := f.reg.Checkpoint(ctx, room); err != nil {
		t.Fatalf("Checkpoint retry: %v", err)
	}
	if room.CheckpointedVersion() != 6 || room.PendingCount() != 0 {
		t.Fatalf("checkpointed=%d pending=%d want 6 and 0", room.CheckpointedVersion(), room.PendingCount())
	}
	doc, err := f.store.LoadDocument(ctx, testDoc)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if doc.Version != 6 || paragraphText(t, doc.Tree) != "xhello" {
		t.Fatalf("stored version=%d text=%q", doc.Version, paragraphText(t, doc.Tree))
	}
}

func TestRegistry_EvictionWaitsForCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ctx := context.Background()
	a, _ := f.session("conn-a", "user-a")
	subscribeDoc(t, a, testDoc)
	a.Handle(ctx, diffEnvelope(t, testDoc, 5, 1, insertText(1, "x")))
	room := f.reg.Lookup(testDoc)

	if f.reg.EvictIfIdle(room) {
		t.Fatalf("evicted with a participant joined")
	}

	a.Close()
	if f.reg.EvictIfIdle(room) {
		t.Fatalf("evicted with unsaved batches")
	}

	f.store.FailNextSaves(1)
	_ = f.reg.Checkpoint(ctx, room)
	if f.reg.EvictIfIdle(room) {
		t.Fatalf("evicted after a failed checkpoint")
	}

	if err := f.reg.Checkpoint(ctx, room); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !f.reg.EvictIfIdle(room) {
		t.Fatalf("idle saved room was not evicted")
	}
	if f.reg.Lookup(testDoc) != nil || !room.Closed() {
		t.Fatalf("room still registered after eviction")
	}

	// The next subscriber hydrates the saved state.
	b, _ := f.session("conn-b", "user-b")
	snap := decode[v1.SnapshotPayload](t, subscribeDoc(t, b, testDoc)[1])
	if snap.Version != 6 {
		t.Fatalf("rehydrated version=%d want=6", snap.Version)
	}
}

func TestRegistry_JoinRetriesClosedRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ctx := context.Background()
	room, err := f.reg.GetOrCreate(ctx, testDoc)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !f.reg.EvictIfIdle(room) {
		t.Fatalf("clean room not evicted")
	}
	if _, err := f.reg.Submit(ctx, room, Batch{BaseVersion: 5, Steps: insertText(1, "x")}); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("Submit on evicted room err=%v want=%v", err, ErrRoomClosed)
	}

	p := newParticipant("conn-a", "user-a", testDoc, newOutbox(&recordingSink{}))
	if _, _, err := f.reg.Join(ctx, testDoc, p); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if p.Room() == room || p.Room() == nil {
		t.Fatalf("joined the evicted room")
	}
}

func TestRegistry_SingleWriterPerBaseVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ctx := context.Background()
	room, err := f.reg.GetOrCreate(ctx, testDoc)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	const writers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reg.Submit(ctx, room, Batch{BaseVersion: 5, Steps: insertText(1, fmt.Sprint(i))})
			var vc *VersionConflict
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &vc):
				conflicts++
			default:
				t.Errorf("Submit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 || conflicts != writers-1 {
		t.Fatalf("accepted=%d conflicts=%d want 1 and %d", accepted, conflicts, writers-1)
	}
	if room.Version() != 6 {
		t.Fatalf("version=%d want=6", room.Version())
	}
}

// simClient mirrors what an editor does with the stream it receives.
type simClient struct {
	s       *Session
	sink    *recordingSink
	tree    *doctree.Node
	version int64
	seq     int64
	pending doctree.Steps
}

func (c *simClient) absorb(t *testing.T) (acked, rejected bool) {
	t.Helper()
	for _, env := range c.sink.drain() {
		switch env.Type {
		case v1.TypeDiffApplied:
			c.applyRemote(t, decode[v1.DiffAppliedPayload](t, env))
		case v1.TypeDiffRejected:
			for _, m := range decode[v1.DiffRejectedPayload](t, env).MissedDiffs {
				c.applyRemote(t, m)
			}
			rejected = true
		case v1.TypeDiffAck:
			ack := decode[v1.DiffAckPayload](t, env)
			if ack.ResultVersion != c.version+1 {
				t.Errorf("ack version=%d local=%d", ack.ResultVersion, c.version)
			}
			tree, err := doctree.Apply(c.tree, c.pending)
			if err != nil {
				t.Errorf("apply own batch: %v", err)
			}
			c.tree, c.version, c.pending = tree, ack.ResultVersion, nil
			acked = true
		case v1.TypeError:
			t.Errorf("error from server: %+v", decode[v1.ErrorPayload](t, env))
		}
	}
	return acked, rejected
}

func (c *simClient) applyRemote(t *testing.T, p v1.DiffAppliedPayload) {
	t.Helper()
	if p.ResultVersion <= c.version {
		return
	}
	if p.BaseVersion != c.version {
		t.Errorf("gap: base=%d local=%d", p.BaseVersion, c.version)
		return
	}
	steps, err := doctree.DecodeSteps(p.Steps)
	if err != nil {
		t.Errorf("decode steps: %v", err)
		return
	}
	tree, err := doctree.Apply(c.tree, steps)
	if err != nil {
		t.Errorf("apply remote batch: %v", err)
		return
	}
	c.tree, c.version = tree, p.ResultVersion
}

func (c *simClient) edit(t *testing.T, text string) {
	t.Helper()
	c.seq++
	for attempt := 0; attempt < 1000; attempt++ {
		c.absorb(t)
		c.pending = insertText(1, text)
		c.s.Dispatch(context.Background(), diffEnvelope(t, testDoc, c.version, c.seq, c.pending))
		if acked, _ := c.absorb(t); acked {
			return
		}
	}
	t.Errorf("edit %q never accepted", text)
}

func TestRegistry_ConcurrentEditorsConverge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	const (
		editors = 4
		edits   = 25
	)
	clients := make([]*simClient, editors)
	for i := range clients {
		user := "user-a"
		if i%2 == 1 {
			user = "user-b"
		}
		s, sink := f.session(fmt.Sprintf("conn-%d", i), user)
		s.out.hold()
		out := s.Handle(context.Background(), envelope(t, v1.TypeSubscribe, v1.SubscribePayload{DocumentID: testDoc}))
		s.out.release(out)
		c := &simClient{s: s, sink: sink}
		for _, env := range sink.drain() {
			if env.Type == v1.TypeSnapshot {
				snap := decode[v1.SnapshotPayload](t, env)
				c.version = snap.Version
				c.tree = &doctree.Node{}
				if err := jsonUnmarshal(snap.Tree, c.tree); err != nil {
					t.Fatalf("decode snapshot: %v", err)
				}
			} else if env.Type == v1.TypeDiffApplied {
				c.applyRemote(t, decode[v1.DiffAppliedPayload](t, env))
			}
		}
		clients[i] = c
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *simClient) {
			defer wg.Done()
			for k := 0; k < edits; k++ {
				c.edit(t, fmt.Sprintf("%c", 'a'+i))
			}
		}(i, c)
	}
	wg.Wait()

	tree, version := f.reg.Lookup(testDoc).Snapshot()
	if version != 5+editors*edits {
		t.Fatalf("version=%d want=%d", version, 5+editors*edits)
	}
	for i, c := range clients {
		c.absorb(t)
		if c.version != version || !doctree.Equal(c.tree, tree) {
			t.Fatalf("client %d diverged: version=%d text=%q room=%q", i, c.version, paragraphText(t, c.tree), paragraphText(t, tree))
		}
	}
}

func TestRegistry_SubmitServerBatchRebuildsOnConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ctx := context.Background()
	room, err := f.reg.GetOrCreate(ctx, testDoc)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	builds := 0
	b, applied, err := f.reg.SubmitServerBatch(ctx, testDoc, "system", func(tree *doctree.Node, version int64) (doctree.Steps, error) {
		builds++
		if builds == 1 {
			// A client commit lands between build and submit.
			if _, err := f.reg.Submit(ctx, room, Batch{BaseVersion: version, Steps: insertText(1, "c")}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
		return insertText(1, "s"), nil
	})
	if err != nil || !applied {
		t.Fatalf("SubmitServerBatch applied=%v err=%v", applied, err)
	}
	if builds != 2 || b.ResultVersion != 7 {
		t.Fatalf("builds=%d result=%d want 2 and 7", builds, b.ResultVersion)
	}

	_, applied, err = f.reg.SubmitServerBatch(ctx, testDoc, "system", func(*doctree.Node, int64) (doctree.Steps, error) {
		return nil, nil
	})
	if err != nil || applied {
		t.Fatalf("empty build applied=%v err=%v", applied, err)
	}
	if _, _, err := f.reg.SubmitServerBatch(ctx, "other", "system", nil); !errors.Is(err, ErrNotLive) {
		t.Fatalf("err=%v want=%v", err, ErrNotLive)
	}
}

func TestRegistry_SweepFlushesAndEvictsIdleRooms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ctx := context.Background()
	a, _ := f.session("conn-a", "user-a")
	subscribeDoc(t, a, testDoc)
	a.Handle(ctx, diffEnvelope(t, testDoc, 5, 1, insertText(1, "x")))

	f.reg.Sweep(ctx)
	if f.reg.Lookup(testDoc) == nil {
		t.Fatalf("room with participant evicted")
	}
	if v := f.reg.Lookup(testDoc).CheckpointedVersion(); v != 6 {
		t.Fatalf("checkpointed=%d want=6", v)
	}

	a.Close()
	f.reg.Sweep(ctx)
	if f.reg.Lookup(testDoc) != nil {
		t.Fatalf("idle room not evicted")
	}
}

func TestRegistry_CloseFlushesDirtyRooms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ctx := context.Background()
	room, _ := f.reg.GetOrCreate(ctx, testDoc)
	if _, err := f.reg.Submit(ctx, room, Batch{BaseVersion: 5, Steps: insertText(1, "x")}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.reg.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	doc, _ := f.store.LoadDocument(ctx, testDoc)
	if doc.Version != 6 {
		t.Fatalf("stored version=%d want=6", doc.Version)
	}
}

func TestRegistry_TwoProcessesShareEditsOverBus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f1 := newFixture(t, fastConfig())
	network := bus.NewNetwork()
	mk := func(node string) *fixture {
		bc := NewBroadcaster(discardLogger(), node, network.Attach(), f1.authz, nil)
		reg := NewRegistry(discardLogger(), f1.store, bc, fastConfig())
		if err := bc.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		return &fixture{store: f1.store, authz: f1.authz, bc: bc, reg: reg}
	}
	p1, p2 := mk("node-1"), mk("node-2")

	a, _ := p1.session("conn-a", "user-a")
	b, sinkB := p2.session("conn-b", "user-b")
	subscribeDoc(t, a, testDoc)
	subscribeDoc(t, b, testDoc)

	out := a.Handle(ctx, diffEnvelope(t, testDoc, 5, 1, insertText(1, "A")))
	if out[0].Type != v1.TypeDiffAck {
		t.Fatalf("replies=%v want=[diff_ack]", types(out))
	}

	env := sinkB.waitFor(t, v1.TypeDiffApplied, nil)
	if p := decode[v1.DiffAppliedPayload](t, env); p.ResultVersion != 6 || p.OriginConnectionID != "conn-a" {
		t.Fatalf("applied=%+v", p)
	}

	tree1, v1n := p1.reg.Lookup(testDoc).Snapshot()
	deadline := time.Now().Add(2 * time.Second)
	for p2.reg.Lookup(testDoc).Version() != v1n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	tree2, v2n := p2.reg.Lookup(testDoc).Snapshot()
	if v1n != v2n || !doctree.Equal(tree1, tree2) {
		t.Fatalf("processes diverged: v1=%d v2=%d", v1n, v2n)
	}

	// The follower can now commit on top.
	out = b.Handle(ctx, diffEnvelope(t, testDoc, 6, 1, insertText(1, "B")))
	if out[0].Type != v1.TypeDiffAck {
		t.Fatalf("follower replies=%v want=[diff_ack]", types(out))
	}
}

func TestRegistry_RemoteGapResyncsFromStorage(t *testing.T) {
	t.Parallel()

	leader := newFixture(t, fastConfig())
	follower := &fixture{store: leader.store, authz: leader.authz}
	follower.bc = NewBroadcaster(discardLogger(), "node-2", nil, leader.authz, nil)
	follower.reg = NewRegistry(discardLogger(), leader.store, follower.bc, fastConfig())

	ctx := context.Background()
	b, sinkB := follower.session("conn-b", "user-b")
	subscribeDoc(t, b, testDoc)

	room, _ := leader.reg.GetOrCreate(ctx, testDoc)
	if _, err := leader.reg.Submit(ctx, room, Batch{BaseVersion: 5, Steps: insertText(1, "1")}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := leader.reg.Submit(ctx, room, Batch{BaseVersion: 6, Steps: insertText(1, "2")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The follower never saw v6; v7 exposes the gap.
	follower.reg.ApplyRemote(second)
	if out := b.Handle(ctx, diffEnvelope(t, testDoc, 5, 1, insertText(1, "x"))); errorCode(t, out) != v1.CodeResyncPending {
		t.Fatalf("diff during resync replies=%v", types(out))
	}

	if err := leader.reg.Checkpoint(ctx, room); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	env := sinkB.waitFor(t, v1.TypeSnapshot, func(e v1.Envelope) bool {
		return decode[v1.SnapshotPayload](t, e).Resync
	})
	if snap := decode[v1.SnapshotPayload](t, env); snap.Version != 7 {
		t.Fatalf("resync version=%d want=7", snap.Version)
	}
	tree, _ := room.Snapshot()
	if got, _ := follower.reg.Lookup(testDoc).Snapshot(); !doctree.Equal(got, tree) {
		t.Fatalf("follower text=%q leader=%q", paragraphText(t, got), paragraphText(t, tree))
	}
	if err := follower.reg.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// fencedProcesses builds two registries over one store that share fence,
// connected by network when it is non-nil.
func fencedProcesses(t *testing.T, ctx context.Context, cfg RegistryConfig, network *bus.Network, fence bus.Fence) (*fixture, *fixture) {
	t.Helper()
	base := newFixture(t, cfg)
	mk := func(node string) *fixture {
		var b bus.Bus
		if network != nil {
			b = network.Attach()
		}
		bc := NewBroadcaster(discardLogger(), node, b, base.authz, nil)
		reg := NewRegistry(discardLogger(), base.store, bc, cfg, WithFence(fence))
		if err := bc.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		return &fixture{store: base.store, authz: base.authz, bc: bc, reg: reg}
	}
	return mk("node-1"), mk("node-2")
}

func TestRegistry_FenceTurnsSameVersionAcceptIntoConflict(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := bus.NewNetwork()
	fence := bus.NewMemoryFence()
	p1, p2 := fencedProcesses(t, ctx, fastConfig(), network, fence)

	a, _ := p1.session("conn-a", "user-a")
	b, _ := p2.session("conn-b", "user-b")
	subscribeDoc(t, a, testDoc)
	subscribeDoc(t, b, testDoc)

	// Hold A's batch back from node-2 so both rooms sit at v5.
	network.SetPartitioned(true)
	if out := a.Handle(ctx, diffEnvelope(t, testDoc, 5, 1, insertText(1, "A"))); out[0].Type != v1.TypeDiffAck {
		t.Fatalf("a replies=%v want=[diff_ack]", types(out))
	}
	missed, _ := p1.reg.Lookup(testDoc).DiffsSince(5)
	if len(missed) != 1 || fence.Head(testDoc) != 6 {
		t.Fatalf("missed=%d head=%d want 1 batch at head 6", len(missed), fence.Head(testDoc))
	}

	done := make(chan []v1.Envelope, 1)
	diffB := diffEnvelope(t, testDoc, 5, 1, insertText(1, "B"))
	go func() { done <- b.Handle(ctx, diffB) }()
	time.Sleep(50 * time.Millisecond)
	p2.reg.ApplyRemote(missed[0])

	out := <-done
	if len(out) != 1 || out[0].Type != v1.TypeDiffRejected {
		t.Fatalf("b replies=%v want=[diff_rejected]", types(out))
	}
	rej := decode[v1.DiffRejectedPayload](t, out[0])
	if rej.CurrentVersion != 6 || len(rej.MissedDiffs) != 1 || rej.MissedDiffs[0].OriginConnectionID != "conn-a" {
		t.Fatalf("rejected=%+v want current=6 with conn-a's batch", rej)
	}

	out = b.Handle(ctx, diffEnvelope(t, testDoc, 6, 2, insertText(1, "B")))
	if out[0].Type != v1.TypeDiffAck {
		t.Fatalf("rebased replies=%v want=[diff_ack]", types(out))
	}
	if h := fence.Head(testDoc); h != 7 {
		t.Fatalf("head=%d want=7", h)
	}
	tree, version := p2.reg.Lookup(testDoc).Snapshot()
	if version != 7 || paragraphText(t, tree) != "BAhello" {
		t.Fatalf("node-2 version=%d text=%q want 7 BAhello", version, paragraphText(t, tree))
	}
}

func TestRegistry_FenceAheadWithoutBatchResyncs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := fastConfig()
	cfg.StorageTimeout = 100 * time.Millisecond
	cfg.ResyncTimeout = 5 * time.Second
	fence := bus.NewMemoryFence()
	p1, p2 := fencedProcesses(t, ctx, cfg, nil, fence)

	b, sinkB := p2.session("conn-b", "user-b")
	subscribeDoc(t, b, testDoc)

	room1, err := p1.reg.GetOrCreate(ctx, testDoc)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := p1.reg.Submit(ctx, room1, Batch{BaseVersion: 5, Steps: insertText(1, "A")}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// node-2 never hears of v6, so its commit at v5 must not be accepted.
	if out := b.Handle(ctx, diffEnvelope(t, testDoc, 5, 1, insertText(1, "B"))); errorCode(t, out) != v1.CodeResyncPending {
		t.Fatalf("replies=%v want resync_pending", types(out))
	}
	if v := p2.reg.Lookup(testDoc).Version(); v != 5 {
		t.Fatalf("node-2 version=%d want=5", v)
	}

	if err := p1.reg.Checkpoint(ctx, room1); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	env := sinkB.waitFor(t, v1.TypeSnapshot, func(e v1.Envelope) bool {
		return decode[v1.SnapshotPayload](t, e).Resync
	})
	if snap := decode[v1.SnapshotPayload](t, env); snap.Version != 6 {
		t.Fatalf("resync version=%d want=6", snap.Version)
	}
	if out := b.Handle(ctx, diffEnvelope(t, testDoc, 6, 2, insertText(1, "B"))); out[0].Type != v1.TypeDiffAck {
		t.Fatalf("after resync replies=%v want=[diff_ack]", types(out))
	}
	if h := fence.Head(testDoc); h != 7 {
		t.Fatalf("head=%d want=7", h)
	}
}
