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
	"loom/cmd/internal/docstore"
	"loom/cmd/internal/doctree"
	"loom/cmd/internal/metrics"
	v1 "loom/shared/contracts/docsync/v1"
)

// SessionDeps are shared by every session of a process.
type SessionDeps struct {
	Log         *slog.Logger
	Registry    *Registry
	Broadcaster *Broadcaster
	Resolver    auth.Resolver
	Authz       auth.Authorizer
	Metrics     *metrics.Metrics

	// PermissionRecheck is how long an edit permission check stays valid.
	// Zero re-checks on every batch.
	PermissionRecheck time.Duration
	Now               func() time.Time
}

// Session is the protocol state of one connection. Handle is its only
// input and is not safe for concurrent use, which the connection read loop
// guarantees. Close may run on any goroutine, including while Handle is
// in flight.
type Session struct {
	deps         SessionDeps
	log          *slog.Logger
	connectionID string
	identity     auth.Identity
	out          *outbox

	// mu guards closed and the memberships Close must undo. Handle writes
	// participant and workspaces under mu and reads them without it.
	mu          sync.Mutex
	closed      bool
	participant *Participant
	workspaces  map[string]struct{}
}

// NewSession builds a session for connectionID. identity may be empty when
// the connection authenticates at subscribe time.
func NewSession(deps SessionDeps, connectionID string, identity auth.Identity, sink Sink) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Authz == nil {
		deps.Authz = auth.AllowAll{}
	}
	if deps.Broadcaster == nil && deps.Registry != nil {
		deps.Broadcaster = deps.Registry.Broadcaster()
	}
	return &Session{
		deps:         deps,
		log:          deps.Log.With("conn_id", connectionID),
		connectionID: connectionID,
		identity:     identity,
		out:          newOutbox(sink),
		workspaces:   make(map[string]struct{}),
	}
}

// ConnectionID returns the connection identity.
func (s *Session) ConnectionID() string { return s.connectionID }

// UserID returns the resolved caller, or "".
func (s *Session) UserID() string { return s.identity.UserID }

// State returns the state of the current document participant. A session
// that never subscribed to a document is Connecting.
func (s *Session) State() State {
	s.mu.Lock()
	p, closed := s.participant, s.closed
	s.mu.Unlock()
	switch {
	case p != nil:
		return p.State()
	case closed:
		return StateDisconnected
	default:
		return StateConnecting
	}
}

// Participant returns the current document participant, or nil.
func (s *Session) Participant() *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participant
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Dispatch runs Handle and sends its replies ahead of any fan-out that raced
// with it.
func (s *Session) Dispatch(ctx context.Context, env v1.Envelope) {
	s.out.hold()
	replies := s.Handle(ctx, env)
	s.out.release(replies)
}

// Handle advances the session by one inbound envelope and returns the
// replies for this connection. Fan-out to other connections happens inside.
func (s *Session) Handle(ctx context.Context, env v1.Envelope) []v1.Envelope {
	if s.isClosed() {
		return nil
	}
	if err := env.Validate(); err != nil {
		return reply(errorEnvelope(v1.CodeBadEnvelope, err.Error()))
	}

	switch env.Type {
	case v1.TypeHello:
		return reply(newEnvelope(v1.TypeHelloAck, mustJSON(v1.HelloAckPayload{
			ConnectionID: s.connectionID,
			UserID:       s.identity.UserID,
		}), s.deps.Now()))
	case v1.TypeSubscribe:
		var p v1.SubscribePayload
		if err := decodePayload(env, &p); err != nil {
			return reply(errorEnvelope(v1.CodeBadEnvelope, "invalid subscribe payload"))
		}
		return s.handleSubscribe(ctx, p)
	case v1.TypeDiff:
		var p v1.DiffPayload
		if err := decodePayload(env, &p); err != nil {
			return reply(errorEnvelope(v1.CodeBadEnvelope, "invalid diff payload"))
		}
		return s.handleDiff(ctx, p)
	case v1.TypeUnsubscribe:
		var p v1.UnsubscribePayload
		if err := decodePayload(env, &p); err != nil {
			return reply(errorEnvelope(v1.CodeBadEnvelope, "invalid unsubscribe payload"))
		}
		return s.handleUnsubscribe(p)
	default:
		return reply(errorEnvelope(v1.CodeUnsupported, "unsupported type"))
	}
}

func (s *Session) handleSubscribe(ctx context.Context, p v1.SubscribePayload) []v1.Envelope {
	docID := strings.TrimSpace(p.DocumentID)
	wsID := strings.TrimSpace(p.WorkspaceID)
	if (docID == "") == (wsID == "") {
		return reply(errorEnvelope(v1.CodeBadEnvelope, "exactly one of document_id or workspace_id is required"))
	}
	if out := s.authenticate(ctx, p.AuthToken); out != nil {
		return out
	}
	if wsID != "" {
		return s.subscribeWorkspace(ctx, wsID)
	}
	return s.subscribeDocument(ctx, docID)
}

func (s *Session) authenticate(ctx context.Context, token string) []v1.Envelope {
	token = strings.TrimSpace(token)
	if token == "" {
		if s.identity.UserID == "" {
			return reply(errorEnvelope(v1.CodeUnauthenticated, "authentication required"))
		}
		return nil
	}
	if s.deps.Resolver == nil {
		return reply(errorEnvelope(v1.CodeUnauthenticated, "token authentication disabled"))
	}
	id, err := s.deps.Resolver.Resolve(ctx, token)
	if err != nil {
		return reply(errorEnvelope(v1.CodeUnauthenticated, "invalid token"))
	}
	if s.identity.UserID != "" && s.identity.UserID != id.UserID {
		return reply(errorEnvelope(v1.CodeForbidden, "token does not match connection identity"))
	}
	s.identity = id
	return nil
}

func (s *Session) subscribeWorkspace(ctx context.Context, workspaceID string) []v1.Envelope {
	channel := v1.WorkspaceChannel(workspaceID)
	sub := Subscriber{ConnectionID: s.connectionID, UserID: s.identity.UserID, Out: s.out}
	if err := s.deps.Broadcaster.Join(ctx, channel, sub); err != nil {
		return reply(s.errorFor(err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.deps.Broadcaster.Leave(channel, s.connectionID)
		return nil
	}
	s.workspaces[workspaceID] = struct{}{}
	s.mu.Unlock()
	s.log.Info("session.subscribe.workspace", "user_id", s.identity.UserID, "workspace_id", workspaceID)
	return reply(newEnvelope(v1.TypeWelcome, mustJSON(v1.WelcomePayload{
		ConnectionID: s.connectionID,
		WorkspaceID:  workspaceID,
		Channel:      channel,
	}), s.deps.Now()))
}

func (s *Session) subscribeDocument(ctx context.Context, documentID string) []v1.Envelope {
	if cur := s.participant; cur != nil && cur.State() == StateActive {
		if cur.DocumentID == documentID {
			tree, version := cur.room.Snapshot()
			return s.welcomeDocument(cur, tree, version)
		}
		s.leaveDocument(cur)
	}

	p := newParticipant(s.connectionID, s.identity.UserID, documentID, s.out)
	channel := v1.DocumentChannel(documentID)
	if err := s.deps.Broadcaster.Authorize(ctx, channel, p.UserID); err != nil {
		return reply(s.errorFor(err))
	}
	p.authorizedAt = s.deps.Now()

	tree, version, err := s.deps.Registry.Join(ctx, documentID, p)
	if err != nil {
		s.log.Warn("session.subscribe.fail", "doc_id", documentID, "err", err)
		return reply(s.errorFor(err))
	}
	// Close may have run while Join was in flight; it could not see p.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.leaveDocument(p)
		return nil
	}
	p.setState(StateSubscribed)
	s.participant = p
	s.mu.Unlock()

	out := s.welcomeDocument(p, tree, version)
	if !p.advance(StateSubscribed, StateActive) {
		return nil
	}
	s.log.Info("session.subscribe.document", "user_id", p.UserID, "doc_id", documentID, "version", version)
	return out
}

func (s *Session) welcomeDocument(p *Participant, tree *doctree.Node, version int64) []v1.Envelope {
	now := s.deps.Now()
	return []v1.Envelope{
		newEnvelope(v1.TypeWelcome, mustJSON(v1.WelcomePayload{
			ConnectionID: s.connectionID,
			DocumentID:   p.DocumentID,
			WorkspaceID:  p.room.WorkspaceID,
			Channel:      v1.DocumentChannel(p.DocumentID),
		}), now),
		snapshotEnvelope(p.DocumentID, tree, version, false),
	}
}

func (s *Session) handleDiff(ctx context.Context, d v1.DiffPayload) []v1.Envelope {
	p := s.participant
	if p == nil || p.State() == StateDisconnected {
		return reply(errorEnvelope(v1.CodeNotSubscribed, "subscribe to the document first"))
	}
	if p.State() != StateActive {
		return reply(errorEnvelope(v1.CodeBadState, "participant not active"))
	}
	if d.DocumentID != "" && d.DocumentID != p.DocumentID {
		return reply(errorEnvelope(v1.CodeNotSubscribed, "not subscribed to this document"))
	}

	if d.ClientSeq > 0 && d.ClientSeq <= p.ackedSeq {
		// Retransmission of an acknowledged batch.
		if version, ok := p.ackedVersion(d.ClientSeq); ok {
			return reply(s.ack(p, d.ClientSeq, version))
		}
		return reply(errorEnvelope(v1.CodeBadState, "client_seq already acknowledged"))
	}

	if out := s.recheckPermission(ctx, p); out != nil {
		return out
	}

	steps, err := doctree.DecodeSteps(d.Steps)
	if err != nil {
		s.deps.Metrics.DiffRejected(metrics.ReasonStructural)
		return reply(errorEnvelope(v1.CodeStructural, "invalid steps: "+err.Error()))
	}

	committed, err := s.deps.Registry.Submit(ctx, p.room, Batch{
		BaseVersion:        d.BaseVersion,
		Steps:              steps,
		OriginConnectionID: s.connectionID,
		ActorID:            p.UserID,
		At:                 s.deps.Now(),
	})
	var vc *VersionConflict
	switch {
	case err == nil:
		if d.ClientSeq > 0 {
			p.recordAck(d.ClientSeq, committed.ResultVersion)
		}
		return reply(s.ack(p, d.ClientSeq, committed.ResultVersion))
	case errors.As(err, &vc):
		return s.rejected(p, d, vc)
	default:
		return reply(s.errorFor(err))
	}
}

func (s *Session) ack(p *Participant, clientSeq, version int64) v1.Envelope {
	return newEnvelope(v1.TypeDiffAck, mustJSON(v1.DiffAckPayload{
		DocumentID:    p.DocumentID,
		ClientSeq:     clientSeq,
		ResultVersion: version,
	}), s.deps.Now())
}

func (s *Session) rejected(p *Participant, d v1.DiffPayload, vc *VersionConflict) []v1.Envelope {
	missed := make([]v1.DiffAppliedPayload, 0, len(vc.Missed))
	for _, b := range vc.Missed {
		missed = append(missed, b.appliedPayload())
	}
	out := []v1.Envelope{newEnvelope(v1.TypeDiffRejected, mustJSON(v1.DiffRejectedPayload{
		DocumentID:     p.DocumentID,
		ClientSeq:      d.ClientSeq,
		BaseVersion:    d.BaseVersion,
		CurrentVersion: vc.CurrentVersion,
		MissedDiffs:    missed,
	}), s.deps.Now())}
	if !vc.Replayable {
		tree, version := p.room.Snapshot()
		out = append(out, snapshotEnvelope(p.DocumentID, tree, version, true))
	}
	return out
}

func (s *Session) recheckPermission(ctx context.Context, p *Participant) []v1.Envelope {
	now := s.deps.Now()
	if s.deps.PermissionRecheck > 0 && now.Sub(p.authorizedAt) < s.deps.PermissionRecheck {
		return nil
	}
	ok, err := s.deps.Authz.CanEdit(ctx, p.UserID, p.DocumentID)
	if err != nil {
		s.log.Warn("session.authz.fail", "doc_id", p.DocumentID, "err", err)
		return reply(errorEnvelope(v1.CodeInternal, "permission check failed"))
	}
	if !ok {
		s.deps.Metrics.DiffRejected(metrics.ReasonForbidden)
		s.log.Info("session.authz.revoked", "user_id", p.UserID, "doc_id", p.DocumentID)
		s.leaveDocument(p)
		return reply(errorEnvelope(v1.CodeForbidden, "edit permission revoked"))
	}
	p.authorizedAt = now
	return nil
}

func (s *Session) handleUnsubscribe(u v1.UnsubscribePayload) []v1.Envelope {
	channel := strings.TrimSpace(u.Channel)
	if channel == "" {
		return reply(errorEnvelope(v1.CodeBadEnvelope, "channel is required"))
	}
	switch {
	case strings.HasPrefix(channel, v1.WorkspaceChannelPrefix):
		wsID := strings.TrimPrefix(channel, v1.WorkspaceChannelPrefix)
		s.deps.Broadcaster.Leave(channel, s.connectionID)
		s.mu.Lock()
		delete(s.workspaces, wsID)
		s.mu.Unlock()
	default:
		docID := strings.TrimPrefix(channel, v1.DocumentChannelPrefix)
		channel = v1.DocumentChannel(docID)
		if p := s.participant; p != nil && p.DocumentID == docID {
			s.leaveDocument(p)
		}
	}
	return reply(newEnvelope(v1.TypeUnsubscribed, mustJSON(v1.UnsubscribedPayload{Channel: channel}), s.deps.Now()))
}

// leaveDocument removes p from its room once, whichever of Handle or Close
// gets there first.
func (s *Session) leaveDocument(p *Participant) {
	if !p.claimLeave() {
		return
	}
	s.deps.Registry.Leave(p)
	s.log.Info("session.leave.document", "doc_id", p.DocumentID)
}

// Close disconnects the session from every room and channel. It is
// idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	p := s.participant
	workspaces := s.workspaces
	s.workspaces = map[string]struct{}{}
	s.mu.Unlock()

	if p != nil {
		s.leaveDocument(p)
	}
	for wsID := range workspaces {
		s.deps.Broadcaster.Leave(v1.WorkspaceChannel(wsID), s.connectionID)
	}
	s.out.close()
}

func (s *Session) errorFor(err error) v1.Envelope {
	var se *doctree.StructuralError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return errorEnvelope(v1.CodeUnauthenticated, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		return errorEnvelope(v1.CodeForbidden, "forbidden")
	case errors.Is(err, docstore.ErrNotFound):
		return errorEnvelope(v1.CodeNotFound, "document not found")
	case errors.Is(err, docstore.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return errorEnvelope(v1.CodeStorageUnavailable, "storage unavailable, retry later")
	case errors.As(err, &se):
		return errorEnvelope(v1.CodeStructural, se.Error())
	case errors.Is(err, ErrBackpressure):
		return errorEnvelope(v1.CodeBackpressure, "too many unsaved changes, retry later")
	case errors.Is(err, ErrRoomStale):
		return errorEnvelope(v1.CodeResyncPending, "document is resynchronizing, wait for a snapshot")
	default:
		s.log.Error("session.internal", "err", err)
		return errorEnvelope(v1.CodeInternal, "internal error")
	}
}

func reply(envs ...v1.Envelope) []v1.Envelope { return envs }

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Payload, dst)
}
