// Package broadcast fans administrative messages out to every live push
// channel.
//
// A failed write is the primary disconnect signal: the entry is evicted on the
// spot and the fan-out carries on with the remaining connections. Nothing is
// retried; the client is expected to reconnect and receive a fresh id.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pufferblow/live-relay/internal/history"
	"github.com/pufferblow/live-relay/internal/protocol"
	"github.com/pufferblow/live-relay/internal/registry"
	"github.com/pufferblow/live-relay/internal/stats"
)

type Engine struct {
	registry *registry.Registry
	recorder history.Recorder
	metrics  *stats.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// Serialises fan-outs so every connection sees broadcasts in call order.
	mu sync.Mutex
}

type Option func(*Engine)

func WithRecorder(r history.Recorder) Option { return func(e *Engine) { e.recorder = r } }
func WithMetrics(m *stats.Metrics) Option    { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option       { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }

func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		recorder: history.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Announce stamps a new message with an id and timestamp and broadcasts it.
func (e *Engine) Announce(msgType, content string) (protocol.Broadcast, int, error) {
	msg := protocol.Broadcast{
		Type:      msgType,
		Content:   content,
		Timestamp: e.now().UTC(),
		ID:        uuid.NewString(),
	}
	delivered, err := e.Broadcast(msg)
	return msg, delivered, err
}

// Broadcast writes msg to every registered connection and returns how many
// accepted it. Connections whose write fails are removed from the registry.
func (e *Engine) Broadcast(msg protocol.Broadcast) (int, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}

	e.mu.Lock()
	delivered := 0
	e.registry.ForEachLive(func(entry *registry.Entry) {
		if _, ok := e.registry.Get(entry.ID); !ok {
			return
		}
		if err := entry.Send(data); err != nil {
			e.logger.Warn("broadcast write failed, removing connection", "clientId", entry.ID, "error", err)
			e.registry.Evict(entry.ID, registry.ReasonWriteFailed)
			return
		}
		entry.MarkDelivered()
		delivered++
	})
	e.mu.Unlock()

	e.metrics.Broadcast(delivered)
	e.recorder.RecordMessage(history.Message{
		ID:         msg.ID,
		Type:       msg.Type,
		Content:    msg.Content,
		Recipients: delivered,
		At:         msg.Timestamp,
	})
	e.logger.Info("broadcast delivered", "messageId", msg.ID, "type", msg.Type, "recipients", delivered)

	return delivered, nil
}
