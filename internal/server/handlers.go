package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pufferblow/live-relay/internal/history"
	"github.com/pufferblow/live-relay/internal/protocol"
	"github.com/pufferblow/live-relay/internal/registry"
	"github.com/pufferblow/live-relay/internal/signaling"
	"github.com/pufferblow/live-relay/internal/stats"
	"github.com/pufferblow/live-relay/internal/transport/sse"
	"github.com/pufferblow/live-relay/internal/transport/ws"
)

const maxBroadcastBody = 64 << 10

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.Handle("GET /metrics", s.metricsHandler())

	mux.HandleFunc("GET /api/sse", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/broadcast", s.handleBroadcast)
	mux.HandleFunc("GET /api/connections", s.listConnections)
	mux.HandleFunc("DELETE /api/connections/{id}", s.disconnect)
	mux.HandleFunc("GET /api/peers", s.listPeers)
	mux.HandleFunc("GET /api/rooms", s.listRooms)
	mux.HandleFunc("GET /api/rooms/{id}", s.getRoom)
	mux.HandleFunc("GET /api/rtc/ice-servers", s.iceServers)
	mux.HandleFunc("GET /api/messages", s.listMessages)
	mux.HandleFunc("GET /api/stats", s.stats)

	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.cfg.OriginAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.NotFoundHandler()
	}
	return s.metrics.Handler()
}

func metadata(r *http.Request) registry.Metadata {
	return registry.Metadata{RemoteAddr: r.RemoteAddr, UserAgent: r.UserAgent()}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.OriginAllowed(r.Header.Get("Origin")) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	stream := sse.NewStream(s.cfg.SendBuffer)
	defer stream.Close()
	meta := metadata(r)

	id, err := s.connections.Open(stream, meta, func(id string) error {
		frame, err := protocol.Encode(protocol.NewConnection(id, time.Now().UTC(), nil))
		if err != nil {
			return err
		}
		return stream.Send(frame)
	})
	if err != nil {
		s.logger.Error("send connection frame", "clientId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open push channel")
		return
	}

	s.metrics.ConnectionOpened()
	s.recorder.RecordConnectionEvent(history.ConnectionEvent{
		ConnectionID: id,
		Channel:      history.ChannelPush,
		Action:       history.ActionConnected,
		RemoteAddr:   meta.RemoteAddr,
		At:           time.Now(),
	})
	s.logger.Info("push channel opened", "clientId", id, "remoteAddr", meta.RemoteAddr)

	// closeAll may have taken its snapshot before this entry was stored.
	if s.draining.Load() {
		s.connections.Evict(id, registry.ReasonShutdown)
		return
	}

	err = stream.Serve(w, r, sse.ServeOptions{
		WriteTimeout: s.cfg.WriteTimeout,
		OnFlush: func(at time.Time) {
			s.connections.UpdateLiveness(id, at)
		},
	})
	if err != nil {
		s.logger.Warn("push channel write failed, removing connection", "clientId", id, "error", err)
		s.connections.Evict(id, registry.ReasonWriteFailed)
		return
	}
	s.connections.Remove(id)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if s.relay.AtCapacity() {
		s.metrics.Rejected("capacity")
		writeError(w, http.StatusServiceUnavailable, "server at capacity")
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	conn := ws.NewConn(raw, ws.Options{
		ReadLimit:    s.cfg.WSReadLimit,
		PongWait:     s.cfg.WSPongWait,
		PingInterval: s.cfg.WSPingInterval,
		WriteTimeout: s.cfg.WriteTimeout,
		Buffer:       s.cfg.SendBuffer,
		Logger:       s.logger,
	})

	peer, err := s.relay.Open(conn, r.URL.Query().Get("clientId"), metadata(r))
	if errors.Is(err, signaling.ErrAtCapacity) {
		if frame, encErr := protocol.Encode(protocol.NewError(protocol.MsgAtCapacity)); encErr == nil {
			if s.cfg.WriteTimeout > 0 {
				_ = raw.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			_ = raw.WriteMessage(websocket.TextMessage, frame)
		}
		_ = raw.Close()
		return
	}
	if err != nil {
		s.logger.Warn("signaling channel rejected", "remoteAddr", r.RemoteAddr, "error", err)
		_ = raw.Close()
		return
	}
	// CloseAll may have listed the peers before this one was added.
	if s.draining.Load() {
		s.relay.Close(peer.ID, signaling.ReasonShutdown)
		_ = raw.Close()
		return
	}

	if err := conn.Run(func(data []byte) { s.relay.Handle(peer.ID, data) }); err != nil {
		s.logger.Debug("signaling channel read error", "clientId", peer.ID, "error", err)
	}
	s.relay.Close(peer.ID, signaling.ReasonClientDisconnect)
}

type broadcastRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type broadcastResponse struct {
	Success        bool               `json:"success"`
	RecipientCount int                `json:"recipientCount"`
	Message        protocol.Broadcast `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBroadcastBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Type = strings.TrimSpace(req.Type)

	switch {
	case req.Type == "" || req.Content == "":
		writeError(w, http.StatusBadRequest, "type and content are required")
		return
	case protocol.IsReserved(req.Type):
		writeError(w, http.StatusBadRequest, "type "+strconv.Quote(req.Type)+" is reserved")
		return
	}

	msg, delivered, err := s.broadcaster.Announce(req.Type, req.Content)
	if err != nil {
		s.logger.Error("broadcast failed", "error", err)
		writeError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}
	writeJSON(w, http.StatusOK, broadcastResponse{Success: true, RecipientCount: delivered, Message: msg})
}

func (s *Server) listConnections(w http.ResponseWriter, _ *http.Request) {
	list := s.connections.List()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(list), "connections": list})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.connections.Evict(id, registry.ReasonDisconnected) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) {
	peers := s.relay.Peers()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(peers), "peers": peers})
}

func (s *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	active := s.rooms.ListActive()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(active), "rooms": active})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.rooms.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) iceServers(w http.ResponseWriter, _ *http.Request) {
	servers := s.relay.ICEServers()
	if servers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"iceServers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeError(w, http.StatusNotFound, "message history is not enabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	messages, err := s.messages.RecentMessages(r.Context(), limit)
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			return
		}
		s.logger.Error("list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read message history")
		return
	}
	if messages == nil {
		messages = []history.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(messages), "messages": messages})
}

type statsResponse struct {
	Connections int `json:"connections"`
	Peers       int `json:"peers"`
	Rooms       int `json:"rooms"`
	stats.Totals
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Connections: s.connections.Len(),
		Peers:       s.relay.Len(),
		Rooms:       s.rooms.Len(),
		Totals:      s.metrics.Totals(),
	})
}
