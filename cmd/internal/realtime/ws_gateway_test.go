package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"loom/cmd/internal/auth"
	v1 "loom/shared/contracts/docsync/v1"
)

func newTestGateway(t *testing.T, f *fixture, cfg GatewayConfig) *httptest.Server {
	t.Helper()
	gw := NewWSGateway(discardLogger(), cfg, SessionDeps{
		Registry:    f.reg,
		Broadcaster: f.bc,
		Resolver:    auth.DevResolver{},
		Authz:       f.authz,
	})
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL, origin, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s within %d reads", typ, maxReads)
	return v1.Envelope{}
}

func openGatewayConfig() GatewayConfig {
	return GatewayConfig{OriginRequired: false, AllowedOrigins: []string{"http://localhost"}}
}

func TestWSGateway_SubscribeAndEdit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ts := newTestGateway(t, f, openGatewayConfig())

	connA, resp, err := dialWS(t, ts.URL, "", auth.DevTokenPrefix+"user-a")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer func() { _ = connA.Close(websocket.StatusNormalClosure, "bye") }()

	// B authenticates at subscribe time instead of the handshake.
	connB, resp, err := dialWS(t, ts.URL, "http://localhost", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer func() { _ = connB.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, connA, envelope(t, v1.TypeHello, v1.HelloPayload{}))
	ack := decode[v1.HelloAckPayload](t, readUntilType(t, connA, v1.TypeHelloAck, 2))
	if ack.UserID != "user-a" || ack.ConnectionID == "" {
		t.Fatalf("hello ack=%+v", ack)
	}

	writeEnvelopeWS(t, connA, envelope(t, v1.TypeSubscribe, v1.SubscribePayload{DocumentID: testDoc}))
	snap := decode[v1.SnapshotPayload](t, readUntilType(t, connA, v1.TypeSnapshot, 3))
	if snap.Version != 5 {
		t.Fatalf("snapshot version=%d want=5", snap.Version)
	}

	writeEnvelopeWS(t, connB, envelope(t, v1.TypeSubscribe, v1.SubscribePayload{DocumentID: testDoc, AuthToken: auth.DevTokenPrefix + "user-b"}))
	_ = readUntilType(t, connB, v1.TypeSnapshot, 3)

	writeEnvelopeWS(t, connA, diffEnvelope(t, testDoc, 5, 1, insertText(1, "A")))
	dack := decode[v1.DiffAckPayload](t, readUntilType(t, connA, v1.TypeDiffAck, 3))
	if dack.ResultVersion != 6 {
		t.Fatalf("ack version=%d want=6", dack.ResultVersion)
	}

	applied := readUntilType(t, connB, v1.TypeDiffApplied, 3)
	if p := decode[v1.DiffAppliedPayload](t, applied); p.ResultVersion != 6 {
		t.Fatalf("applied=%+v", p)
	}
	if applied.Seq == 0 {
		t.Fatalf("server envelope without seq")
	}
}

func TestWSGateway_BadJSONKeepsConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ts := newTestGateway(t, f, openGatewayConfig())

	conn, resp, err := dialWS(t, ts.URL, "", auth.DevTokenPrefix+"user-a")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	errEnv := readUntilType(t, conn, v1.TypeError, 2)
	if p := decode[v1.ErrorPayload](t, errEnv); p.Code != v1.CodeBadJSON {
		t.Fatalf("code=%q want=%q", p.Code, v1.CodeBadJSON)
	}

	writeEnvelopeWS(t, conn, envelope(t, v1.TypeHello, v1.HelloPayload{}))
	_ = readUntilType(t, conn, v1.TypeHelloAck, 2)
}

func TestWSGateway_HandshakeRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())

	strict := GatewayConfig{OriginRequired: true, AllowedOrigins: []string{"http://localhost"}}
	cases := []struct {
		name   string
		cfg    GatewayConfig
		origin string
		token  string
		status int
	}{
		{name: "missing origin", cfg: strict, status: http.StatusForbidden},
		{name: "foreign origin", cfg: strict, origin: "http://evil.example", status: http.StatusForbidden},
		{name: "bad token", cfg: openGatewayConfig(), token: "not-a-token", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestGateway(t, f, tc.cfg)
			_, resp, err := dialWS(t, ts.URL, tc.origin, tc.token)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tc.status {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("status=%d want=%d err=%v", status, tc.status, err)
			}
		})
	}
}

func TestWSGateway_DisconnectLeavesRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	ts := newTestGateway(t, f, openGatewayConfig())

	conn, resp, err := dialWS(t, ts.URL, "", auth.DevTokenPrefix+"user-a")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	writeEnvelopeWS(t, conn, envelope(t, v1.TypeSubscribe, v1.SubscribePayload{DocumentID: testDoc}))
	_ = readUntilType(t, conn, v1.TypeSnapshot, 3)

	room := f.reg.Lookup(testDoc)
	if room.Participants() != 1 {
		t.Fatalf("participants=%d want=1", room.Participants())
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for room.Participants() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if room.Participants() != 0 {
		t.Fatalf("participant left behind after disconnect")
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	allow := []string{"https://app.example", "http://localhost:3000", " "}
	cases := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		ok       bool
	}{
		{name: "exact", allowed: allow, origin: "https://app.example", ok: true},
		{name: "host ignores port", allowed: allow, origin: "http://LOCALHOST:5173", ok: true},
		{name: "foreign", allowed: allow, origin: "https://evil.example", ok: false},
		{name: "missing optional", allowed: allow, ok: true},
		{name: "missing required", required: true, allowed: allow, ok: false},
		{name: "empty allowlist", allowed: nil, origin: "https://app.example", ok: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anything.example", ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := newOriginPolicy(tc.required, tc.allowed).check(tc.origin)
			if (err == nil) != tc.ok {
				t.Fatalf("check(%q) err=%v want ok=%v", tc.origin, err, tc.ok)
			}
		})
	}

	got := newOriginPolicy(true, []string{"http://b.example", "https://a.example:8443", "http://b.example:1"}).acceptPatterns()
	if len(got) != 2 || got[0] != "a.example" || got[1] != "b.example" {
		t.Fatalf("patterns=%v", got)
	}
	if got := newOriginPolicy(true, []string{"*"}).acceptPatterns(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard patterns=%v", got)
	}
}

func TestWSGateway_RateLimitRefusesThenCloses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	cfg := openGatewayConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	cfg.RateStrikes = 2
	ts := newTestGateway(t, f, cfg)

	conn, resp, err := dialWS(t, ts.URL, "", auth.DevTokenPrefix+"user-a")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	hello := envelope(t, v1.TypeHello, v1.HelloPayload{})
	for i := 0; i < 2; i++ {
		writeEnvelopeWS(t, conn, hello)
		_ = readUntilType(t, conn, v1.TypeHelloAck, 1)
	}

	writeEnvelopeWS(t, conn, hello)
	first := readUntilType(t, conn, v1.TypeError, 1)
	var p v1.ErrorPayload
	if err := json.Unmarshal(first.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != v1.CodeRateLimited || !strings.Contains(p.Message, "retry in") {
		t.Fatalf("first refusal=%+v", p)
	}

	// The second strike closes; its error envelope may or may not be flushed first.
	writeEnvelopeWS(t, conn, hello)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("read after strikes err=%v want policy violation close", err)
		}
		return
	}
}

func TestWSGateway_IdleReaderIsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	cfg := openGatewayConfig()
	cfg.ReadIdleTimeout = 300 * time.Millisecond
	ts := newTestGateway(t, f, cfg)

	conn, resp, err := dialWS(t, ts.URL, "", auth.DevTokenPrefix+"user-a")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	writeEnvelopeWS(t, conn, envelope(t, v1.TypeSubscribe, v1.SubscribePayload{DocumentID: testDoc}))
	_ = readUntilType(t, conn, v1.TypeSnapshot, 2)
	if n := f.reg.Lookup(testDoc).Participants(); n != 1 {
		t.Fatalf("participants=%d want=1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err = conn.Read(ctx)
		if err != nil {
			break
		}
	}
	var ce websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.StatusPolicyViolation || ce.Reason != "idle timeout" {
		t.Fatalf("read err=%v want policy violation close with reason idle timeout", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.reg.Lookup(testDoc).Participants() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle connection still joined to %s", testDoc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
