// Package server owns every registry of the relay and exposes them over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/pufferblow/live-relay/internal/broadcast"
	"github.com/pufferblow/live-relay/internal/config"
	"github.com/pufferblow/live-relay/internal/history"
	"github.com/pufferblow/live-relay/internal/liveness"
	"github.com/pufferblow/live-relay/internal/registry"
	"github.com/pufferblow/live-relay/internal/rooms"
	"github.com/pufferblow/live-relay/internal/signaling"
	"github.com/pufferblow/live-relay/internal/stats"
)

const shutdownTimeout = 10 * time.Second

// MessageLister is implemented by history sinks that can read back what they
// stored.
type MessageLister interface {
	RecentMessages(ctx context.Context, limit int) ([]history.Message, error)
}

type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Recorder history.Recorder
	Metrics  *stats.Metrics
	// Messages, when set, serves GET /api/messages.
	Messages MessageLister
}

type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	recorder history.Recorder
	metrics  *stats.Metrics
	messages MessageLister

	connections *registry.Registry
	broadcaster *broadcast.Engine
	monitor     *liveness.Monitor
	rooms       *rooms.Registry
	relay       *signaling.Relay

	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		messages: opts.Messages,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = history.Nop{}
	}

	s.connections = registry.New(registry.WithRemovalHook(s.connectionRemoved))
	s.broadcaster = broadcast.New(s.connections,
		broadcast.WithRecorder(s.recorder),
		broadcast.WithMetrics(s.metrics),
		broadcast.WithLogger(s.logger.With("component", "broadcast")),
	)
	s.monitor = liveness.New(s.connections, s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout,
		liveness.WithMetrics(s.metrics),
		liveness.WithLogger(s.logger.With("component", "liveness")),
	)
	s.rooms = rooms.New(rooms.WithMaxParticipants(s.cfg.MaxRoomParticipants))
	s.relay = signaling.New(s.rooms,
		signaling.WithICEServers(s.cfg.WebRTCICEServers()),
		signaling.WithMaxPeers(s.cfg.MaxPeers),
		signaling.WithRecorder(s.recorder),
		signaling.WithMetrics(s.metrics),
		signaling.WithLogger(s.logger.With("component", "signaling")),
	)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) connectionRemoved(entry *registry.Entry, reason string) {
	s.metrics.ConnectionRemoved(reason)
	now := time.Now()
	s.recorder.RecordConnectionEvent(history.ConnectionEvent{
		ConnectionID: entry.ID,
		Channel:      history.ChannelPush,
		Action:       history.ActionDisconnected,
		Reason:       reason,
		RemoteAddr:   entry.Metadata.RemoteAddr,
		At:           now,
	})
	if reason != registry.ReasonClosed && reason != registry.ReasonShutdown {
		s.recorder.RecordLog(history.Log{
			Level:   "warn",
			Message: "push channel removed",
			Fields:  map[string]any{"clientId": entry.ID, "reason": reason},
			At:      now,
		})
	}
	s.logger.Info("push channel removed", "clientId", entry.ID, "reason", reason,
		"delivered", entry.MessageCount(), "connectedFor", now.Sub(entry.ConnectedAt).Round(time.Second))
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server and the liveness monitor on ln. When ctx is
// cancelled every channel is closed and the server shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.monitor.Run(monitorCtx)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	s.logger.Info("relay listening",
		"addr", ln.Addr().String(),
		"heartbeatInterval", s.cfg.HeartbeatInterval,
		"sendBuffer", s.cfg.SendBuffer,
		"wsReadLimit", humanize.IBytes(uint64(s.cfg.WSReadLimit)),
		"iceServers", len(s.cfg.ICEServers),
		"maxPeers", s.cfg.MaxPeers,
		"maxRoomParticipants", s.cfg.MaxRoomParticipants,
		"history", s.cfg.HistoryDriver,
	)

	select {
	case err := <-serveErr:
		stopMonitor()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "connections", s.connections.Len(), "peers", s.relay.Len())
	s.draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- httpServer.Shutdown(shutdownCtx) }()

	s.closeAll()
	err := <-shutdownErr
	<-serveErr
	stopMonitor()
	wg.Wait()

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) closeAll() {
	for _, entry := range s.connections.Snapshot() {
		s.connections.Evict(entry.ID, registry.ReasonShutdown)
	}
	s.relay.CloseAll(signaling.ReasonShutdown)
}
