// Package metrics exposes Prometheus instrumentation for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loom"

// Reject reasons.
const (
	ReasonVersionConflict = "version_conflict"
	ReasonStructural      = "structural"
	ReasonForbidden       = "forbidden"
	ReasonBackpressure    = "backpressure"
)

// Metrics owns a private registry.
type Metrics struct {
	registry *prometheus.Registry

	roomsLive          prometheus.Gauge
	participants       prometheus.Gauge
	diffsApplied       prometheus.Counter
	diffsRejected      *prometheus.CounterVec
	checkpoints        *prometheus.CounterVec
	busMessages        *prometheus.CounterVec
	hydrateSeconds     prometheus.Histogram
	connections        prometheus.Gauge
	spaceEventsTotal   *prometheus.CounterVec
	eventsDroppedTotal prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		roomsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "room", Name: "live",
			Help: "Number of document rooms held in memory.",
		}),
		participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "room", Name: "participants",
			Help: "Number of participants across all rooms.",
		}),
		diffsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "diff", Name: "applied_total",
			Help: "Diff batches accepted into a room.",
		}),
		diffsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "diff", Name: "rejected_total",
			Help: "Diff batches rejected, by reason.",
		}, []string{"reason"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "room", Name: "checkpoints_total",
			Help: "Checkpoint attempts, by result.",
		}, []string{"result"}),
		busMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "messages_total",
			Help: "Cross-process bus messages, by direction and result.",
		}, []string{"direction", "result"}),
		hydrateSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "room", Name: "hydrate_seconds",
			Help:    "Time to load a room from storage.",
			Buckets: prometheus.DefBuckets,
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Open websocket connections.",
		}),
		spaceEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "spaces", Name: "events_total",
			Help: "Structural page operations, by operation and route.",
		}, []string{"op", "route"}),
		eventsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Outbound domain events dropped after retries or on a full queue.",
		}),
	}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.roomsLive.Inc()
	}
}

func (m *Metrics) RoomEvicted() {
	if m != nil {
		m.roomsLive.Dec()
	}
}

func (m *Metrics) ParticipantJoined() {
	if m != nil {
		m.participants.Inc()
	}
}

func (m *Metrics) ParticipantLeft() {
	if m != nil {
		m.participants.Dec()
	}
}

func (m *Metrics) DiffApplied() {
	if m != nil {
		m.diffsApplied.Inc()
	}
}

func (m *Metrics) DiffRejected(reason string) {
	if m != nil {
		m.diffsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Checkpoint(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

func (m *Metrics) BusMessage(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.busMessages.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) ObserveHydrate(d time.Duration) {
	if m != nil {
		m.hydrateSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SpaceEvent(op, route string) {
	if m != nil {
		m.spaceEventsTotal.WithLabelValues(op, route).Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDroppedTotal.Inc()
	}
}
