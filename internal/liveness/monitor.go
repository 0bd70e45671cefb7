// Package liveness keeps push channels warm past proxy idle timeouts and
// evicts the ones that stopped accepting data.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/pufferblow/live-relay/internal/protocol"
	"github.com/pufferblow/live-relay/internal/registry"
	"github.com/pufferblow/live-relay/internal/stats"
)

type Monitor struct {
	registry *registry.Registry
	interval time.Duration
	timeout  time.Duration
	metrics  *stats.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Monitor)

func WithMetrics(m *stats.Metrics) Option   { return func(mon *Monitor) { mon.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(mon *Monitor) { mon.logger = l } }
func WithClock(now func() time.Time) Option { return func(mon *Monitor) { mon.now = now } }

// New returns a monitor probing every interval. Connections whose last
// acknowledged write is older than timeout are evicted; a zero timeout
// disables that check.
func New(reg *registry.Registry, interval, timeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		registry: reg,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run probes every connection once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe()
		}
	}
}

// Probe sends one ping frame to every live connection and returns how many
// accepted it. Absent entries are skipped, stale or failing ones evicted.
func (m *Monitor) Probe() int {
	now := m.now()
	data, err := protocol.Encode(protocol.NewPing(now.UTC()))
	if err != nil {
		m.logger.Error("encode ping", "error", err)
		return 0
	}

	sent := 0
	m.registry.ForEachLive(func(entry *registry.Entry) {
		if _, ok := m.registry.Get(entry.ID); !ok {
			return
		}
		if m.timeout > 0 && now.Sub(entry.LastSeen()) > m.timeout {
			m.logger.Warn("connection stale, removing", "clientId", entry.ID, "lastSeen", entry.LastSeen())
			m.registry.Evict(entry.ID, registry.ReasonStale)
			return
		}
		if err := entry.Send(data); err != nil {
			m.logger.Warn("liveness probe failed, removing connection", "clientId", entry.ID, "error", err)
			m.registry.Evict(entry.ID, registry.ReasonWriteFailed)
			return
		}
		m.metrics.ProbeSent()
		sent++
	})
	return sent
}
