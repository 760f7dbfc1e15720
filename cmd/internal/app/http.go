package app

import (
	"context"
	"net/http"
	"time"

	"loom/cmd/internal/metrics"
	"loom/cmd/internal/realtime"
	"loom/cmd/internal/spaces"
)

const readyCheckTimeout = 2 * time.Second

// readyCheck is one dependency /readyz must reach.
type readyCheck struct {
	name  string
	check func(context.Context) error
}

type routes struct {
	log        Logger
	requireDB  bool
	dbEnabled  bool
	readyCheck []readyCheck
	metrics    *metrics.Metrics
	ws         *realtime.WSGateway
	sidebar    *spaces.Handler
}

func (rt routes) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", rt.handleReady)

	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	if rt.sidebar != nil {
		rt.sidebar.Register(mux)
	}
	if rt.ws != nil {
		mux.HandleFunc("GET /ws", rt.ws.HandleWS)
	}
}

func (rt routes) handleReady(w http.ResponseWriter, r *http.Request) {
	if rt.requireDB && !rt.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	for _, c := range rt.readyCheck {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		err := c.check(ctx)
		cancel()
		if err != nil {
			rt.log.Info("readyz.not_ready", "dep", c.name, "err", err)
			http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
