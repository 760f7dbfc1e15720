package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"loom/cmd/internal/auth"
	"loom/cmd/internal/metrics"
	v1 "loom/shared/contracts/docsync/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig holds the websocket transport knobs.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int
	MaxFrameBytes   int64

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents  int
	RateWindow  time.Duration
	RateStrikes int
}

// DefaultGatewayConfig requires an Origin header and allows only localhost.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		MaxFrameBytes:    defaultMaxFrameBytes,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		RateStrikes:      rateLimitStrikes,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.RateStrikes <= 0 {
		c.RateStrikes = def.RateStrikes
	}
	return c
}

// WSGateway is the WebSocket entrypoint for document sync.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and feeds validated envelopes to one Session per connection.
type WSGateway struct {
	log     *slog.Logger
	deps    SessionDeps
	metrics *metrics.Metrics
	cfg     GatewayConfig
	origins originPolicy
}

// NewWSGateway constructs a gateway. deps.Registry is required.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, deps SessionDeps) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Log == nil {
		deps.Log = log
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:     log,
		deps:    deps,
		metrics: deps.Metrics,
		cfg:     cfg,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the sync loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// A token at the handshake is optional; subscribe may carry one instead.
	var identity auth.Identity
	if token := auth.BearerToken(r); token != "" {
		if g.deps.Resolver == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := g.deps.Resolver.Resolve(r.Context(), token)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	connID := NewConnectionID()
	client := NewClient(identity.UserID, connID, g.cfg.SendQueueSize)
	ctx, cancel := context.WithCancel(r.Context())
	wc := &wsConn{
		g:      g,
		conn:   conn,
		client: client,
		sess:   NewSession(g.deps, connID, identity, client),
		log:    g.log.With("conn_id", connID),
		cancel: cancel,
	}
	defer cancel()

	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()
	wc.log.Info("ws.open", "user_id", identity.UserID, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		wc.writeLoop(ctx)
	}()
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		wc.heartbeatLoop(ctx)
	}()

	wc.readLoop(ctx)
	wc.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// wsConn is the state of one upgraded connection.
type wsConn struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	sess   *Session
	log    *slog.Logger
	cancel context.CancelFunc

	closeOnce sync.Once
}

// shutdown is idempotent. The session leaves its rooms before the client
// queue closes, so no fan-out targets a dead queue.
func (c *wsConn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.sess.Close()
		c.client.Close()
		_ = c.conn.Close(code, reason)
		c.cancel()
		c.log.Info("ws.close", "code", code, "reason", reason, "overflow", c.client.Overflowed())
	})
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			if c.client.Overflowed() {
				c.shutdown(websocket.StatusPolicyViolation, "slow consumer")
			}
			return
		case env := <-c.client.Send:
			if err := writeEnvelope(ctx, c.conn, env, c.g.cfg.WriteTimeout); err != nil {
				c.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *wsConn) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			return
		case <-t.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.g.cfg.HeartbeatTimeout)
		err := c.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.log.Info("ws.ping.fail", "failures", failures, "err", err)
		if failures >= wsMaxPingFailures {
			c.shutdown(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

// readLoop feeds envelopes to the session until the connection ends.
// A rate-limited frame is dropped with an error naming the wait; a client
// that keeps pushing past the limit is disconnected. A client silent for
// ReadIdleTimeout is closed by the idle timer, which sends the close frame
// itself; an expiring read context would only drop the TCP connection.
func (c *wsConn) readLoop(ctx context.Context) {
	cfg := c.g.cfg
	rl := NewRateLimiter(cfg.RateEvents, cfg.RateWindow)
	idle := time.AfterFunc(cfg.ReadIdleTimeout, func() {
		c.shutdown(websocket.StatusPolicyViolation, "idle timeout")
	})
	defer idle.Stop()

	for {
		env, err := readEnvelope(ctx, c.conn)
		if err == nil || classifyReadErr(err) == readErrBadJSON {
			idle.Reset(cfg.ReadIdleTimeout)
		}

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				c.sendError(v1.CodeBadJSON, "invalid JSON")
				continue
			case readErrClose:
				c.shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				c.shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				c.shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				c.log.Info("ws.read.fail", "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if ok, wait := rl.Allow(time.Now()); !ok {
			if rl.Denied() >= cfg.RateStrikes {
				c.sendError(v1.CodeRateLimited, "too many events")
				c.shutdown(websocket.StatusPolicyViolation, "rate limited")
				return
			}
			c.sendError(v1.CodeRateLimited, fmt.Sprintf("too many events, retry in %dms", wait.Milliseconds()))
			continue
		}

		c.sess.Dispatch(ctx, env)
	}
}

func (c *wsConn) sendError(code, msg string) {
	_ = c.client.Enqueue(errorEnvelope(code, msg))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %w", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	return readErrUnknown
}
