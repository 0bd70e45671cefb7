// Package stats exposes relay counters to Prometheus and to the JSON stats
// endpoint. A nil *Metrics is valid and records nothing.
package stats

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	activeConnections prometheus.Gauge
	activePeers       prometheus.Gauge
	activeRooms       prometheus.Gauge
	broadcasts        prometheus.Counter
	delivered         prometheus.Counter
	evictions         *prometheus.CounterVec
	signals           *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	probes            prometheus.Counter
	historyDropped    prometheus.Counter
	historyFailed     prometheus.Counter

	// Mirrors for the JSON snapshot; Prometheus collectors are write-only.
	broadcastsTotal atomic.Int64
	deliveredTotal  atomic.Int64
	evictionsTotal  atomic.Int64
	signalsTotal    atomic.Int64
	droppedTotal    atomic.Int64
	rejectedTotal   atomic.Int64
	deliveryRate    *ratecounter.RateCounter
}

// New builds the collectors under prefix and registers them on a dedicated
// registry so several servers can coexist in one process.
func New(prefix string) *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		started:      time.Now(),
		deliveryRate: ratecounter.NewRateCounter(time.Minute),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: prefix + "active_connections", Help: "Number of live push-channel connections"},
		),
		activePeers: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: prefix + "active_peers", Help: "Number of open signaling channels"},
		),
		activeRooms: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: prefix + "active_rooms", Help: "Number of non-empty signaling rooms"},
		),
		broadcasts: prometheus.NewCounter(
			prometheus.CounterOpts{Name: prefix + "broadcasts_total", Help: "Total number of administrative broadcasts"},
		),
		delivered: prometheus.NewCounter(
			prometheus.CounterOpts{Name: prefix + "broadcast_deliveries_total", Help: "Total number of broadcast frames handed to a transport"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "connection_removals_total", Help: "Push-channel connections removed, by reason"},
			[]string{"reason"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "signals_relayed_total", Help: "Signaling payloads forwarded to a peer"},
			[]string{"signal_type", "mode"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "rejected_total", Help: "Signaling channels or room joins refused by a capacity limit, by reason"},
			[]string{"reason"},
		),
		probes: prometheus.NewCounter(
			prometheus.CounterOpts{Name: prefix + "liveness_probes_total", Help: "Heartbeat frames sent to push channels"},
		),
		historyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: prefix + "history_dropped_total", Help: "History records dropped because the queue was full"},
		),
		historyFailed: prometheus.NewCounter(
			prometheus.CounterOpts{Name: prefix + "history_failed_total", Help: "History records the sink failed to persist"},
		),
	}

	m.registry.MustRegister(
		m.activeConnections,
		m.activePeers,
		m.activeRooms,
		m.broadcasts,
		m.delivered,
		m.evictions,
		m.signals,
		m.rejected,
		m.probes,
		m.historyDropped,
		m.historyFailed,
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionRemoved(reason string) {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
	m.evictions.WithLabelValues(reason).Inc()
	m.evictionsTotal.Add(1)
}

func (m *Metrics) PeerOpened() {
	if m == nil {
		return
	}
	m.activePeers.Inc()
}

func (m *Metrics) PeerClosed() {
	if m == nil {
		return
	}
	m.activePeers.Dec()
}

func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}

func (m *Metrics) Broadcast(delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.delivered.Add(float64(delivered))
	m.broadcastsTotal.Add(1)
	m.deliveredTotal.Add(int64(delivered))
	m.deliveryRate.Incr(int64(delivered))
}

// SignalRelayed counts one forwarded payload; mode is "direct" or "room".
func (m *Metrics) SignalRelayed(signalType, mode string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(signalType, mode).Inc()
	m.signalsTotal.Add(1)
}

// Rejected counts one request refused by a capacity limit.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
	m.rejectedTotal.Add(1)
}

func (m *Metrics) ProbeSent() {
	if m == nil {
		return
	}
	m.probes.Inc()
}

func (m *Metrics) HistoryDropped() {
	if m == nil {
		return
	}
	m.historyDropped.Inc()
	m.droppedTotal.Add(1)
}

func (m *Metrics) HistoryFailed() {
	if m == nil {
		return
	}
	m.historyFailed.Inc()
}

// Totals is the counter part of the JSON stats snapshot.
type Totals struct {
	Broadcasts     int64 `json:"broadcasts"`
	Delivered      int64 `json:"delivered"`
	Removals       int64 `json:"removals"`
	SignalsRelayed int64 `json:"signalsRelayed"`
	HistoryDropped int64 `json:"historyDropped"`
	Rejected       int64 `json:"rejected"`
	// Broadcast frames delivered over the last minute.
	DeliveriesPerMinute int64  `json:"deliveriesPerMinute"`
	Uptime              string `json:"uptime"`
}

func (m *Metrics) Totals() Totals {
	if m == nil {
		return Totals{}
	}
	return Totals{
		Broadcasts:          m.broadcastsTotal.Load(),
		Delivered:           m.deliveredTotal.Load(),
		Removals:            m.evictionsTotal.Load(),
		SignalsRelayed:      m.signalsTotal.Load(),
		HistoryDropped:      m.droppedTotal.Load(),
		Rejected:            m.rejectedTotal.Load(),
		DeliveriesPerMinute: m.deliveryRate.Rate(),
		Uptime:              time.Since(m.started).Round(time.Second).String(),
	}
}
