package realtime

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"loom/cmd/internal/docstore"
)

// checkpointConcurrency bounds parallel saves during a sweep.
const checkpointConcurrency = 4

func (r *Registry) requestCheckpoint(documentID string) {
	select {
	case r.kick <- documentID:
	default:
		// The next sweep picks it up.
	}
}

// Checkpoint persists room's current tree and version and trims the batches
// it covers. On failure the room keeps every batch, stays live, and the next
// attempt is delayed with exponential backoff.
func (r *Registry) Checkpoint(ctx context.Context, room *Room) error {
	room.ckMu.Lock()
	defer room.ckMu.Unlock()

	tree, version, dirty := room.checkpointState()
	if !dirty {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	err := r.store.SaveDocument(sctx, docstore.Document{
		ID:          room.DocumentID,
		WorkspaceID: room.WorkspaceID,
		Tree:        tree,
		Version:     version,
	})
	cancel()
	r.metrics.Checkpoint(err)

	if errors.Is(err, docstore.ErrStaleVersion) {
		// A sibling process persisted a newer version.
		r.log.Warn("room.checkpoint.stale", "doc_id", room.DocumentID, "version", version)
		room.markStale(0)
		r.startResync(room)
		return err
	}
	if err != nil {
		room.ckFailures++
		delay := r.cfg.RetryBaseBackoff << min(room.ckFailures-1, 16)
		if delay > r.cfg.RetryMaxBackoff || delay <= 0 {
			delay = r.cfg.RetryMaxBackoff
		}
		room.ckNotBefore = r.now().Add(delay)
		r.log.Warn("room.checkpoint.fail", "doc_id", room.DocumentID, "version", version, "failures", room.ckFailures, "retry_in", delay, "err", err)
		return err
	}

	room.ckFailures = 0
	room.ckNotBefore = time.Time{}
	room.markCheckpointed(version)
	r.log.Debug("room.checkpoint.ok", "doc_id", room.DocumentID, "version", version)
	return nil
}

func (r *Registry) checkpointDue(room *Room, now time.Time) bool {
	room.ckMu.Lock()
	defer room.ckMu.Unlock()
	return room.ckNotBefore.IsZero() || !now.Before(room.ckNotBefore)
}

// EvictIfIdle removes room when it has no participants and nothing unsaved.
func (r *Registry) EvictIfIdle(room *Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room.DocumentID] != room {
		return room.Closed()
	}
	if !room.tryClose() {
		return false
	}
	delete(r.rooms, room.DocumentID)
	r.metrics.RoomEvicted()
	r.log.Info("room.evict", "doc_id", room.DocumentID, "version", room.Version())
	return true
}

func (r *Registry) snapshotRooms() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// Sweep checkpoints every dirty room whose retry delay has passed, then
// evicts rooms left idle.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()
	var g errgroup.Group
	g.SetLimit(checkpointConcurrency)
	for _, room := range r.snapshotRooms() {
		if !r.checkpointDue(room, now) {
			continue
		}
		g.Go(func() error {
			if err := r.Checkpoint(ctx, room); err == nil && room.Participants() == 0 {
				r.EvictIfIdle(room)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) checkpointByID(ctx context.Context, documentID string) {
	room := r.Lookup(documentID)
	if room == nil || !r.checkpointDue(room, r.now()) {
		return
	}
	if err := r.Checkpoint(ctx, room); err == nil && room.Participants() == 0 {
		r.EvictIfIdle(room)
	}
}

// Run drives periodic and requested checkpoints until ctx is done, then
// flushes every room once more.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), r.cfg.StorageTimeout)
			defer cancel()
			return r.Close(fctx)
		case id := <-r.kick:
			r.checkpointByID(ctx, id)
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Close stops background resyncs and flushes every dirty room.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closing) })
	var errs []error
	for _, room := range r.snapshotRooms() {
		if err := r.Checkpoint(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	return errors.Join(errs...)
}
