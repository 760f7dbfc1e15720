package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"loom/cmd/internal/auth"
	"loom/cmd/internal/doctree"
	"loom/cmd/internal/metrics"
	"loom/cmd/internal/realtime/bus"
	v1 "loom/shared/contracts/docsync/v1"
)

const (
	defaultOutboxSize     = 4096
	defaultPublishTimeout = 2 * time.Second
)

// Subscriber is one connection's membership in a channel.
type Subscriber struct {
	ConnectionID string
	UserID       string
	Out          Outbox
}

// Broadcaster fans messages out to channel members in this process and,
// best-effort, to sibling processes through a Bus.
type Broadcaster struct {
	log     *slog.Logger
	nodeID  string
	bus     bus.Bus
	authz   auth.Authorizer
	metrics *metrics.Metrics

	mu       sync.RWMutex
	channels map[string]map[string]Subscriber

	outbox    chan busFrame
	onRemote  func(Batch)
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
}

// busFrame is what travels on the bus. Exactly one of Batch or Envelope is set.
type busFrame struct {
	Node     string       `json:"node"`
	Channel  string       `json:"channel"`
	Batch    *wireBatch   `json:"batch,omitempty"`
	Envelope *v1.Envelope `json:"envelope,omitempty"`
}

type wireBatch struct {
	ID                 string          `json:"id"`
	DocumentID         string          `json:"document_id"`
	BaseVersion        int64           `json:"base_version"`
	ResultVersion      int64           `json:"result_version"`
	Steps              json.RawMessage `json:"steps"`
	OriginConnectionID string          `json:"origin_connection_id,omitempty"`
	ActorID            string          `json:"actor_id,omitempty"`
	At                 time.Time       `json:"at"`
}

// NewBroadcaster builds a broadcaster. A nil bus keeps delivery process-local.
func NewBroadcaster(log *slog.Logger, nodeID string, b bus.Bus, authz auth.Authorizer, m *metrics.Metrics) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if b == nil {
		b = bus.None{}
	}
	if authz == nil {
		authz = auth.AllowAll{}
	}
	if nodeID == "" {
		nodeID = NewConnectionID()
	}
	return &Broadcaster{
		log:      log,
		nodeID:   nodeID,
		bus:      b,
		authz:    authz,
		metrics:  m,
		channels: make(map[string]map[string]Subscriber),
		outbox:   make(chan busFrame, defaultOutboxSize),
		stopped:  make(chan struct{}),
	}
}

// NodeID identifies this process on the bus.
func (b *Broadcaster) NodeID() string { return b.nodeID }

// OnRemoteBatch installs the handler for document batches from sibling processes.
// It must be set before Start.
func (b *Broadcaster) OnRemoteBatch(fn func(Batch)) { b.onRemote = fn }

// Start subscribes to the bus and runs the publisher until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		if err = b.bus.Subscribe(ctx, b.receive); err != nil {
			return
		}
		go b.publishLoop(ctx)
	})
	return err
}

// Authorize checks that userID may join channel.
func (b *Broadcaster) Authorize(ctx context.Context, channel, userID string) error {
	var (
		ok  bool
		err error
	)
	switch {
	case strings.HasPrefix(channel, v1.DocumentChannelPrefix):
		ok, err = b.authz.CanEdit(ctx, userID, strings.TrimPrefix(channel, v1.DocumentChannelPrefix))
	case strings.HasPrefix(channel, v1.WorkspaceChannelPrefix):
		ok, err = b.authz.IsWorkspaceMember(ctx, userID, strings.TrimPrefix(channel, v1.WorkspaceChannelPrefix))
	default:
		return errors.New("realtime: unknown channel")
	}
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrForbidden
	}
	return nil
}

// Join authorizes and adds sub to channel. Joining twice is a no-op.
func (b *Broadcaster) Join(ctx context.Context, channel string, sub Subscriber) error {
	if err := b.Authorize(ctx, channel, sub.UserID); err != nil {
		return err
	}
	b.attach(channel, sub)
	return nil
}

func (b *Broadcaster) attach(channel string, sub Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.channels[channel]
	if members == nil {
		members = make(map[string]Subscriber)
		b.channels[channel] = members
	}
	if _, ok := members[sub.ConnectionID]; ok {
		return false
	}
	members[sub.ConnectionID] = sub
	b.log.Debug("broadcast.channel.join", "channel", channel, "conn_id", sub.ConnectionID, "user_id", sub.UserID)
	return true
}

// Leave removes connectionID from channel. Leaving twice is a no-op.
func (b *Broadcaster) Leave(channel, connectionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.channels[channel]
	if _, ok := members[connectionID]; !ok {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(b.channels, channel)
	}
	b.log.Debug("broadcast.channel.leave", "channel", channel, "conn_id", connectionID)
	return true
}

// Members returns the number of local members of channel.
func (b *Broadcaster) Members(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Broadcast delivers env to every local member of channel except
// exceptConnectionID, then publishes it for sibling processes.
func (b *Broadcaster) Broadcast(channel string, env v1.Envelope, exceptConnectionID string) int {
	n := b.deliverLocal(channel, env, exceptConnectionID)
	e := env
	b.publish(busFrame{Node: b.nodeID, Channel: channel, Envelope: &e})
	return n
}

// NotifyWorkspace sends a page_event to every subscriber of the page's
// workspace, in this process and its siblings.
func (b *Broadcaster) NotifyWorkspace(p v1.PageEventPayload) int {
	env := newEnvelope(v1.TypePageEvent, mustJSON(p), time.Time{})
	return b.Broadcast(v1.WorkspaceChannel(p.WorkspaceID), env, "")
}

func (b *Broadcaster) deliverLocal(channel string, env v1.Envelope, exceptConnectionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for id, sub := range b.channels[channel] {
		if id == exceptConnectionID {
			continue
		}
		sub.Out.Deliver(env)
		n++
	}
	return n
}

// publishBatch ships a committed document batch to sibling processes.
func (b *Broadcaster) publishBatch(batch Batch) {
	steps, err := json.Marshal(batch.Steps)
	if err != nil {
		b.log.Error("broadcast.batch.encode.fail", "doc_id", batch.DocumentID, "err", err)
		return
	}
	b.publish(busFrame{
		Node:    b.nodeID,
		Channel: v1.DocumentChannel(batch.DocumentID),
		Batch: &wireBatch{
			ID:                 batch.ID,
			DocumentID:         batch.DocumentID,
			BaseVersion:        batch.BaseVersion,
			ResultVersion:      batch.ResultVersion,
			Steps:              steps,
			OriginConnectionID: batch.OriginConnectionID,
			ActorID:            batch.ActorID,
			At:                 batch.At,
		},
	})
}

func (b *Broadcaster) publish(f busFrame) {
	if _, ok := b.bus.(bus.None); ok {
		return
	}
	select {
	case <-b.stopped:
		return
	default:
	}
	select {
	case b.outbox <- f:
	default:
		b.metrics.BusMessage("out", errors.New("outbox full"))
		b.log.Warn("broadcast.outbox.full", "channel", f.Channel)
	}
}

func (b *Broadcaster) publishLoop(ctx context.Context) {
	defer b.stopOnce.Do(func() { close(b.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.outbox:
			raw, err := json.Marshal(f)
			if err != nil {
				b.log.Error("broadcast.frame.encode.fail", "channel", f.Channel, "err", err)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
			err = b.bus.Publish(pctx, f.Channel, raw)
			cancel()
			b.metrics.BusMessage("out", err)
			if err != nil {
				b.log.Warn("broadcast.publish.fail", "bus", b.bus.Name(), "channel", f.Channel, "err", err)
			}
		}
	}
}

func (b *Broadcaster) receive(m bus.Message) {
	var f busFrame
	if err := json.Unmarshal(m.Payload, &f); err != nil {
		b.metrics.BusMessage("in", err)
		b.log.Warn("broadcast.frame.decode.fail", "channel", m.Channel, "err", err)
		return
	}
	if f.Node == b.nodeID {
		return
	}
	b.metrics.BusMessage("in", nil)

	switch {
	case f.Batch != nil:
		steps, err := doctree.DecodeSteps(f.Batch.Steps)
		if err != nil {
			b.log.Warn("broadcast.batch.decode.fail", "doc_id", f.Batch.DocumentID, "err", err)
			return
		}
		if b.onRemote != nil {
			b.onRemote(Batch{
				ID:                 f.Batch.ID,
				DocumentID:         f.Batch.DocumentID,
				BaseVersion:        f.Batch.BaseVersion,
				ResultVersion:      f.Batch.ResultVersion,
				Steps:              steps,
				OriginConnectionID: f.Batch.OriginConnectionID,
				ActorID:            f.Batch.ActorID,
				At:                 f.Batch.At,
			})
		}
	case f.Envelope != nil:
		b.deliverLocal(f.Channel, *f.Envelope, "")
	}
}
