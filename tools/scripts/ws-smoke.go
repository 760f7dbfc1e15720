// Package main provides a CI-friendly WebSocket smoke test for loom document sync.
//
// It validates:
//   - page creation over the sidebar API
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment
//   - subscribe -> welcome + snapshot
//   - diff -> diff_ack for the sender, diff_applied for the other client
//   - stale diff -> diff_rejected carrying the missed batch
//   - page delete -> page_event on the workspace channel
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "loom/shared/contracts/docsync/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL    = flag.String("api", "", "HTTP base URL (derived from -url when empty)")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		workspace = flag.String("workspace", "ws-smoke", "Workspace ID to create the page in")
		token     = flag.String("token", "dev:smoke-user", "Bearer token (dev tokens need LOOM_AUTH_DEV_INSECURE=true)")
		text      = flag.String("text", "hello loom 👋", "Text to insert")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	base := strings.TrimRight(*apiURL, "/")
	if base == "" {
		base = httpBaseFromWS(*wsURL)
	}

	root := context.Background()

	pageID := mustCreatePage(root, base, *workspace, *token, *timeout)
	if *verbose {
		fmt.Printf("created page %s in %s\n", pageID, *workspace)
	}

	a := mustConnect(root, "A", *wsURL, *origin, *token, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *token, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connID, b.connID, *origin)
	}

	version := mustSubscribeDocument(root, a, pageID, *timeout)
	if v := mustSubscribeDocument(root, b, pageID, *timeout); v != version {
		fatalf("snapshot version mismatch: A=%d B=%d", version, v)
	}

	steps := insertTextSteps(*text)
	result := mustSendDiffAndAssertAck(root, a, pageID, version, 1, steps, *timeout)
	if result != version+1 {
		fatalf("diff_ack result_version=%d want=%d", result, version+1)
	}
	mustAssertApplied(root, b, pageID, version, result, a.connID, *timeout)

	// B has not rebased, so the same base is now stale.
	mustAssertRejected(root, b, pageID, version, result, steps, *timeout)

	mustSubscribeWorkspace(root, b, *workspace, *timeout)
	mustDeletePage(root, base, pageID, *token, *timeout)
	mustAssertPageEvent(root, b, *workspace, pageID, v1.PageDeleted, *timeout)

	mustAssertNoType(root, a, v1.TypeError, 750*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s page_id=%s version=%d\n", a.connID, b.connID, pageID, result)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func httpBaseFromWS(raw string) string {
	u, _ := url.Parse(raw)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// insertTextSteps inserts text into the leading empty paragraph of a fresh page.
func insertTextSteps(text string) json.RawMessage {
	return mustJSON([]map[string]any{{
		"stepType": "replace",
		"from":     1,
		"to":       1,
		"slice": map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}})
}

// ---- HTTP ----

func apiDo(parent context.Context, method, endpoint, token string, body any, stepTimeout time.Duration) (int, []byte) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		fatalf("build request %s %s: %v", method, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	return resp.StatusCode, data
}

func mustCreatePage(parent context.Context, base, workspaceID, token string, stepTimeout time.Duration) string {
	status, data := apiDo(parent, http.MethodPost, base+"/api/workspaces/"+url.PathEscape(workspaceID)+"/pages", token,
		map[string]string{"title": "smoke"}, stepTimeout)
	if status != http.StatusCreated {
		fatalf("create page: status=%d body=%s", status, strings.TrimSpace(string(data)))
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		fatalf("create page: bad response %s", strings.TrimSpace(string(data)))
	}
	return p.ID
}

func mustDeletePage(parent context.Context, base, pageID, token string, stepTimeout time.Duration) {
	status, data := apiDo(parent, http.MethodDelete, base+"/api/pages/"+url.PathEscape(pageID), token, nil, stepTimeout)
	if status != http.StatusNoContent {
		fatalf("delete page: status=%d body=%s", status, strings.TrimSpace(string(data)))
	}
}

// ---- WebSocket ----

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.send(parent, v1.TypeHello, "hello", v1.HelloPayload{}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	mustDecode(ack, &p, name)
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	c.connID = p.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) send(parent context.Context, typ, id string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s", c.name, id),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSubscribeDocument(parent context.Context, c *smokeClient, docID string, stepTimeout time.Duration) int64 {
	c.send(parent, v1.TypeSubscribe, "sub-doc", v1.SubscribePayload{DocumentID: docID}, stepTimeout)

	welcome := c.mustReadUntilType(parent, v1.TypeWelcome, stepTimeout, nil)
	var w v1.WelcomePayload
	mustDecode(welcome, &w, c.name)
	if w.DocumentID != docID || w.Channel != v1.DocumentChannel(docID) {
		fatalf("welcome mismatch (%s): %+v", c.name, w)
	}

	snap := c.mustReadUntilType(parent, v1.TypeSnapshot, stepTimeout, nil)
	var s v1.SnapshotPayload
	mustDecode(snap, &s, c.name)
	if s.DocumentID != docID || len(s.Tree) == 0 {
		fatalf("snapshot mismatch (%s): doc=%q tree=%d bytes", c.name, s.DocumentID, len(s.Tree))
	}
	return s.Version
}

func mustSubscribeWorkspace(parent context.Context, c *smokeClient, workspaceID string, stepTimeout time.Duration) {
	c.send(parent, v1.TypeSubscribe, "sub-ws", v1.SubscribePayload{WorkspaceID: workspaceID}, stepTimeout)

	welcome := c.mustReadUntilType(parent, v1.TypeWelcome, stepTimeout, nil)
	var w v1.WelcomePayload
	mustDecode(welcome, &w, c.name)
	if w.Channel != v1.WorkspaceChannel(workspaceID) {
		fatalf("workspace welcome channel mismatch (%s): got=%q", c.name, w.Channel)
	}
}

func mustSendDiffAndAssertAck(parent context.Context, c *smokeClient, docID string, base, clientSeq int64, steps json.RawMessage, stepTimeout time.Duration) int64 {
	c.send(parent, v1.TypeDiff, fmt.Sprintf("diff-%d", clientSeq), v1.DiffPayload{
		DocumentID:  docID,
		BaseVersion: base,
		Steps:       steps,
		ClientSeq:   clientSeq,
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeDiffAck, stepTimeout, nil)
	var p v1.DiffAckPayload
	mustDecode(ack, &p, c.name)
	if p.DocumentID != docID || p.ClientSeq != clientSeq {
		fatalf("diff_ack mismatch (%s): %+v", c.name, p)
	}
	return p.ResultVersion
}

func mustAssertApplied(parent context.Context, c *smokeClient, docID string, base, result int64, origin string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeDiffApplied, stepTimeout, nil)
	var p v1.DiffAppliedPayload
	mustDecode(env, &p, c.name)
	if p.DocumentID != docID || p.BaseVersion != base || p.ResultVersion != result {
		fatalf("diff_applied mismatch (%s): %+v", c.name, p)
	}
	if p.OriginConnectionID != origin {
		fatalf("diff_applied origin mismatch (%s): got=%q want=%q", c.name, p.OriginConnectionID, origin)
	}
	if strings.TrimSpace(p.BatchID) == "" {
		fatalf("diff_applied missing batch_id (%s)", c.name)
	}
}

func mustAssertRejected(parent context.Context, c *smokeClient, docID string, base, current int64, steps json.RawMessage, stepTimeout time.Duration) {
	c.send(parent, v1.TypeDiff, "diff-stale", v1.DiffPayload{
		DocumentID:  docID,
		BaseVersion: base,
		Steps:       steps,
		ClientSeq:   1,
	}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeDiffRejected, stepTimeout, nil)
	var p v1.DiffRejectedPayload
	mustDecode(env, &p, c.name)
	if p.CurrentVersion != current || p.BaseVersion != base {
		fatalf("diff_rejected versions (%s): base=%d current=%d", c.name, p.BaseVersion, p.CurrentVersion)
	}
	if len(p.MissedDiffs) != int(current-base) {
		fatalf("diff_rejected missed_diffs=%d want=%d (%s)", len(p.MissedDiffs), current-base, c.name)
	}
}

func mustAssertPageEvent(parent context.Context, c *smokeClient, workspaceID, pageID, event string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypePageEvent, stepTimeout, nil)
	var p v1.PageEventPayload
	mustDecode(env, &p, c.name)
	if p.WorkspaceID != workspaceID || p.PageID != pageID || p.Event != event {
		fatalf("page_event mismatch (%s): %+v", c.name, p)
	}
}

func mustDecode(env v1.Envelope, dst any, name string) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, name, err)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
