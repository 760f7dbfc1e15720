// Package app wires the loom server runtime: config, logging, storage, the
// cross-process bus, the event stream, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"loom/cmd/internal/auth"
	"loom/cmd/internal/docstore"
	"loom/cmd/internal/events"
	"loom/cmd/internal/metrics"
	"loom/cmd/internal/realtime"
	"loom/cmd/internal/realtime/bus"
	"loom/cmd/internal/spaces"
)

const shutdownTimeout = 10 * time.Second

// App is the loom server runtime. It owns every long-lived resource and
// releases them in dependency order on shutdown.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	store docstore.Store
	rdb   *redis.Client

	metrics  *metrics.Metrics
	bus      bus.Bus
	fence    bus.Fence
	events   events.Dispatcher
	bc       *realtime.Broadcaster
	registry *realtime.Registry
	ws       *realtime.WSGateway
	spaces   *spaces.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.release(ctx)
		}
	}()

	m, err := metrics.New()
	if err != nil {
		return nil, err
	}
	a.metrics = m

	authz, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	if a.bus, err = a.openBus(ctx); err != nil {
		return nil, err
	}
	if a.events, err = a.openEvents(); err != nil {
		return nil, err
	}

	a.bc = realtime.NewBroadcaster(log, cfg.NodeID, a.bus, authz, m)
	a.registry = realtime.NewRegistry(log, a.store, a.bc, cfg.Rooms,
		realtime.WithEvents(a.events),
		realtime.WithMetrics(m),
		realtime.WithFence(a.fence),
	)
	a.ws = realtime.NewWSGateway(log, cfg.WS, realtime.SessionDeps{
		Log:               log,
		Registry:          a.registry,
		Broadcaster:       a.bc,
		Resolver:          resolver,
		Authz:             authz,
		Metrics:           m,
		PermissionRecheck: cfg.PermissionRecheck,
	})
	coord := spaces.NewCoordinator(log, a.store, a.store, a.registry,
		spaces.WithEvents(a.events),
		spaces.WithMetrics(m),
	)
	a.spaces = spaces.NewHandler(log, coord, resolver, authz)

	ok = true
	return a, nil
}

// openStore picks PostgreSQL when a database URL is set and in-memory
// storage otherwise, and returns the matching authorizer.
func (a *App) openStore(ctx context.Context) (auth.Authorizer, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("db.disabled.inmemory_store", "authz", "allow_all")
		a.store = docstore.NewMemoryStore()
		return auth.AllowAll{}, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.pool = pool

	st, err := docstore.NewPostgresStore(pool, docstore.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if a.cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		a.log.Info("db.migrated", "schema", st.Schema())
	}
	a.store = st

	authz, err := auth.NewPostgresAuthorizer(pool, auth.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	a.log.Info("db.enabled.postgres_store", "schema", st.Schema())
	return authz, nil
}

func newResolver(cfg Config) (auth.Resolver, error) {
	var chain []auth.Resolver
	if cfg.PasetoPublicKeyHex != "" {
		v, err := auth.NewPasetoVerifier(auth.PasetoConfig{
			PublicKeyHex: cfg.PasetoPublicKeyHex,
			Issuer:       cfg.AuthIssuer,
			ClockSkew:    cfg.AuthClockSkew,
		})
		if err != nil {
			return nil, fmt.Errorf("auth: paseto verifier: %w", err)
		}
		chain = append(chain, v)
	}
	if cfg.AuthDevInsecure {
		chain = append(chain, auth.DevResolver{})
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return auth.Chain(chain...), nil
}

func (a *App) openBus(ctx context.Context) (bus.Bus, error) {
	switch a.cfg.Bus {
	case BusRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("bus: parse redis url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pctx).Err(); err != nil {
			return nil, fmt.Errorf("bus: redis ping: %w", err)
		}
		a.fence = bus.NewRedisFence(a.rdb, a.cfg.BusPrefix)
		return bus.NewRedis(a.rdb, a.cfg.BusPrefix, a.log), nil
	case BusPostgres:
		pg, err := bus.NewPostgres(a.pool, "", a.log)
		if err != nil {
			return nil, err
		}
		if a.fence, err = bus.NewPostgresFence(a.pool, a.cfg.DBSchema); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return bus.None{}, nil
	}
}

func (a *App) openEvents() (events.Dispatcher, error) {
	if len(a.cfg.KafkaBrokers) == 0 {
		return events.Nop{}, nil
	}
	producer, err := events.NewKafkaProducer(a.cfg.KafkaBrokers, "loom")
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: %w", err)
	}
	opt := events.DefaultKafkaOptions()
	opt.OnDrop = func(events.Event) { a.metrics.EventDropped() }
	a.log.Info("events.enabled.kafka", "brokers", a.cfg.KafkaBrokers, "topic", a.cfg.KafkaTopic)
	return events.NewKafkaDispatcher(producer, a.cfg.KafkaTopic, a.log, opt), nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	rt := routes{
		log:       a.log,
		requireDB: a.cfg.ReadinessRequireDB,
		dbEnabled: a.pool != nil,
		metrics:   a.metrics,
		ws:        a.ws,
		sidebar:   a.spaces,
	}
	if pool := a.pool; pool != nil {
		rt.readyCheck = append(rt.readyCheck, readyCheck{name: "db", check: func(ctx context.Context) error {
			return PingDB(ctx, pool, readyCheckTimeout)
		}})
	}
	if rdb := a.rdb; rdb != nil {
		rt.readyCheck = append(rt.readyCheck, readyCheck{name: "redis", check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	mux := http.NewServeMux()
	rt.register(mux)
	return WithRequestLogging(mux, a.log)
}

// Run serves HTTP and runs the room checkpointer until ctx is cancelled.
// On shutdown the listener stops first, then open connections are closed,
// then dirty rooms are flushed to storage.
func (a *App) Run(ctx context.Context) error {
	defer a.release(context.Background())

	// Connections outlive srv.Shutdown once hijacked; cancelling their base
	// context ends every websocket read loop.
	connCtx, closeConns := context.WithCancel(context.WithoutCancel(ctx))
	defer closeConns()
	roomsCtx, stopRooms := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRooms()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	if err := a.bc.Start(roomsCtx); err != nil {
		return fmt.Errorf("broadcaster start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.registry.Run(roomsCtx)
	})
	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "bus", a.bus.Name(), "node_id", a.bc.NodeID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		closeConns()
		stopRooms()
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		return err
	})

	err := g.Wait()
	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

// release closes resources in reverse construction order. It is safe to
// call on a partially built App.
func (a *App) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if a.events != nil {
		if err := a.events.Close(ctx); err != nil {
			a.log.Error("events.close.fail", "err", err)
		}
		a.events = nil
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("bus.close.fail", "err", err)
		}
		a.bus = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
