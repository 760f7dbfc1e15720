package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"loom/cmd/internal/auth"
	"loom/cmd/internal/docstore"
	"loom/cmd/internal/doctree"
	v1 "loom/shared/contracts/docsync/v1"
)

const (
	testWorkspace = "ws-1"
	testDoc       = "doc-1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink collects everything a connection would have been sent.
type recordingSink struct {
	mu   sync.Mutex
	envs []v1.Envelope
	seq  int64
}

func (s *recordingSink) Enqueue(env v1.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	env.Seq = s.seq
	s.envs = append(s.envs, env)
	return true
}

func (s *recordingSink) all() []v1.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

func (s *recordingSink) drain() []v1.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.envs
	s.envs = nil
	return out
}

func (s *recordingSink) ofType(typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range s.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, typ string, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range s.ofType(typ) {
			if match == nil || match(e) {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", typ)
	return v1.Envelope{}
}

type fixture struct {
	store *docstore.MemoryStore
	authz *auth.StaticAuthorizer
	reg   *Registry
	bc    *Broadcaster
}

func paragraphDoc(text string) *doctree.Node {
	return &doctree.Node{Type: "doc", Content: []*doctree.Node{
		{Type: "paragraph", Content: []*doctree.Node{doctree.Text(text)}},
	}}
}

func fastConfig() RegistryConfig {
	return RegistryConfig{
		CheckpointInterval: time.Hour,
		CheckpointEvery:    1000,
		MaxPendingDiffs:    1000,
		StorageTimeout:     time.Second,
		HydrateAttempts:    3,
		RetryBaseBackoff:   time.Millisecond,
		RetryMaxBackoff:    5 * time.Millisecond,
	}
}

// newFixture seeds doc-1 at version 5 with "hello" and lets user-a and
// user-b edit workspace ws-1.
func newFixture(t *testing.T, cfg RegistryConfig) *fixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	seedDocument(t, store, testDoc, paragraphDoc("hello"), 5)
	authz := auth.NewStaticAuthorizer(store)
	authz.AddMember(testWorkspace, "user-a", auth.RoleEditor)
	authz.AddMember(testWorkspace, "user-b", auth.RoleEditor)
	bc := NewBroadcaster(discardLogger(), "node-1", nil, authz, nil)
	reg := NewRegistry(discardLogger(), store, bc, cfg)
	return &fixture{store: store, authz: authz, reg: reg, bc: bc}
}

func seedDocument(t *testing.T, store *docstore.MemoryStore, id string, tree *doctree.Node, version int64) {
	t.Helper()
	if _, err := store.CreatePage(context.Background(), docstore.Page{ID: id, WorkspaceID: testWorkspace, Title: id}); err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	store.PutDocument(docstore.Document{ID: id, WorkspaceID: testWorkspace, Tree: tree, Version: version})
}

func (f *fixture) session(connID, userID string) (*Session, *recordingSink) {
	sink := &recordingSink{}
	s := NewSession(SessionDeps{
		Log:         discardLogger(),
		Registry:    f.reg,
		Broadcaster: f.bc,
		Authz:       f.authz,
		Resolver:    auth.DevResolver{},
	}, connID, auth.Identity{UserID: userID}, sink)
	return s, sink
}

func envelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: "c-" + typ, TS: time.Now().UTC(), Payload: raw}
}

func subscribeDoc(t *testing.T, s *Session, docID string) []v1.Envelope {
	t.Helper()
	out := s.Handle(context.Background(), envelope(t, v1.TypeSubscribe, v1.SubscribePayload{DocumentID: docID}))
	if len(out) != 2 || out[0].Type != v1.TypeWelcome || out[1].Type != v1.TypeSnapshot {
		t.Fatalf("subscribe replies=%v want welcome+snapshot", types(out))
	}
	return out
}

func insertText(pos int, text string) doctree.Steps {
	return doctree.Steps{doctree.ReplaceStep{From: pos, To: pos, Slice: doctree.Slice{Content: []*doctree.Node{doctree.Text(text)}}}}
}

func diffEnvelope(t *testing.T, docID string, base, clientSeq int64, steps doctree.Steps) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(steps)
	if err != nil {
		t.Fatalf("marshal steps: %v", err)
	}
	return envelope(t, v1.TypeDiff, v1.DiffPayload{DocumentID: docID, BaseVersion: base, Steps: raw, ClientSeq: clientSeq})
}

func types(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func errorCode(t *testing.T, envs []v1.Envelope) string {
	t.Helper()
	for _, e := range envs {
		if e.Type == v1.TypeError {
			return decode[v1.ErrorPayload](t, e).Code
		}
	}
	t.Fatalf("no error in %v", types(envs))
	return ""
}

func paragraphText(t *testing.T, tree *doctree.Node) string {
	t.Helper()
	if len(tree.Content) == 0 || len(tree.Content[0].Content) == 0 {
		return ""
	}
	out := ""
	for _, n := range tree.Content[0].Content {
		out += n.Text
	}
	return out
}

func jsonUnmarshal(raw []byte, dst any) error { return json.Unmarshal(raw, dst) }
