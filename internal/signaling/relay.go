// Package signaling routes WebRTC negotiation payloads between peers.
//
// The relay never interprets offers, answers or candidates beyond checking
// their outline at decode time. Delivery is best-effort: a missing or broken
// recipient is dropped silently, and the only error reported back to a sender
// is a room broadcast from outside any room.
package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v4"

	"github.com/pufferblow/live-relay/internal/history"
	"github.com/pufferblow/live-relay/internal/protocol"
	"github.com/pufferblow/live-relay/internal/registry"
	"github.com/pufferblow/live-relay/internal/rooms"
	"github.com/pufferblow/live-relay/internal/stats"
)

// Close reasons.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonWriteFailed      = "write_failed"
	ReasonShutdown         = "shutdown"
)

// ErrAtCapacity is returned by Open when the peer limit is reached.
var ErrAtCapacity = errors.New("signaling peer limit reached")

// Peer is one open signaling channel.
type Peer struct {
	ID          string
	Metadata    registry.Metadata
	ConnectedAt time.Time

	transport registry.Transport

	mu     sync.Mutex
	roomID string
}

// RoomID returns the room the peer is currently in, or "".
func (p *Peer) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

func (p *Peer) setRoom(roomID string) {
	p.mu.Lock()
	p.roomID = roomID
	p.mu.Unlock()
}

// clearRoom forgets roomID if it is still the current room.
func (p *Peer) clearRoom(roomID string) {
	p.mu.Lock()
	if p.roomID == roomID {
		p.roomID = ""
	}
	p.mu.Unlock()
}

func (p *Peer) sendFrame(data []byte) error {
	return p.transport.Send(data)
}

func (p *Peer) send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return p.sendFrame(data)
}

// PeerInfo is a listing view of a peer.
type PeerInfo struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type Relay struct {
	rooms      *rooms.Registry
	iceServers []webrtc.ICEServer
	maxPeers   int
	recorder   history.Recorder
	metrics    *stats.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer
}

type Option func(*Relay)

func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(r *Relay) { r.iceServers = servers }
}

// WithMaxPeers caps the number of open signaling channels. n <= 0 means no cap.
func WithMaxPeers(n int) Option {
	return func(r *Relay) { r.maxPeers = n }
}

func WithRecorder(rec history.Recorder) Option { return func(r *Relay) { r.recorder = rec } }
func WithMetrics(m *stats.Metrics) Option      { return func(r *Relay) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option         { return func(r *Relay) { r.logger = l } }
func WithClock(now func() time.Time) Option    { return func(r *Relay) { r.now = now } }

func New(roomRegistry *rooms.Registry, opts ...Option) *Relay {
	r := &Relay{
		rooms:    roomRegistry,
		recorder: history.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		peers:    make(map[string]*Peer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open registers a signaling channel and sends it the connection frame.
// requestedID is honoured when no open peer already uses it, so a client can
// reuse the id of its push channel; otherwise a fresh id is assigned.
// ErrAtCapacity is returned when the peer limit is reached.
func (r *Relay) Open(t registry.Transport, requestedID string, meta registry.Metadata) (*Peer, error) {
	p := &Peer{
		Metadata:    meta,
		ConnectedAt: r.now(),
		transport:   t,
	}

	r.mu.Lock()
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		r.metrics.Rejected("capacity")
		r.logger.Warn("signaling channel refused, server at capacity", "remoteAddr", meta.RemoteAddr, "maxPeers", r.maxPeers)
		return nil, ErrAtCapacity
	}
	p.ID = requestedID
	if _, taken := r.peers[p.ID]; p.ID == "" || taken {
		p.ID = uuid.NewString()
	}
	r.peers[p.ID] = p
	r.mu.Unlock()

	r.metrics.PeerOpened()
	r.recorder.RecordConnectionEvent(history.ConnectionEvent{
		ConnectionID: p.ID,
		Channel:      history.ChannelSignaling,
		Action:       history.ActionConnected,
		RemoteAddr:   meta.RemoteAddr,
		At:           p.ConnectedAt,
	})
	r.logger.Info("signaling channel opened", "clientId", p.ID, "remoteAddr", meta.RemoteAddr)

	if err := p.send(protocol.NewConnection(p.ID, p.ConnectedAt.UTC(), r.iceServers)); err != nil {
		r.Close(p.ID, ReasonWriteFailed)
		return nil, fmt.Errorf("send connection frame: %w", err)
	}
	return p, nil
}

// Close drops the peer and takes it out of every room it was in, exactly as
// an explicit leave would. Closing an unknown id is a no-op.
func (r *Relay) Close(id, reason string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, left := range r.rooms.LeaveAll(id) {
		r.notifyLeft(id, left)
	}
	p.setRoom("")
	_ = p.transport.Close()

	r.metrics.PeerClosed()
	r.metrics.SetActiveRooms(r.rooms.Len())
	r.recorder.RecordConnectionEvent(history.ConnectionEvent{
		ConnectionID: id,
		Channel:      history.ChannelSignaling,
		Action:       history.ActionDisconnected,
		Reason:       reason,
		RemoteAddr:   p.Metadata.RemoteAddr,
		At:           r.now(),
	})
	r.logger.Info("signaling channel closed", "clientId", id, "reason", reason)
}

// Handle processes one inbound frame from peer id. Unparseable frames are
// logged and ignored; unknown or invalid messages get an error frame.
func (r *Relay) Handle(id string, raw []byte) {
	p, ok := r.peer(id)
	if !ok {
		return
	}

	msg, err := protocol.Decode(raw)
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		r.logger.Warn("ignoring malformed signaling frame", "clientId", id, "error", err)
		return
	case errors.Is(err, protocol.ErrUnknownType):
		r.logger.Warn("unsupported signaling message", "clientId", id, "error", err)
		r.reply(p, protocol.NewError(protocol.MsgUnsupportedMessage))
		return
	case err != nil:
		r.logger.Warn("invalid signaling message", "clientId", id, "error", err)
		r.reply(p, protocol.NewError(protocol.MsgInvalidMessage))
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoom:
		r.join(p, m.RoomID)
	case protocol.LeaveRoom:
		r.leave(p, m.RoomID)
	case protocol.Signal:
		r.relay(p, m)
	}
}

func (r *Relay) join(p *Peer, roomID string) {
	if roomID == "" {
		roomID = ulid.Make().String()
	}

	res, err := r.rooms.Join(roomID, p.ID)
	if errors.Is(err, rooms.ErrRoomFull) {
		r.metrics.Rejected("room_full")
		r.logger.Info("room full, join refused", "clientId", p.ID, "roomId", roomID, "participantCount", res.Room.ParticipantCount())
		r.reply(p, protocol.NewError(protocol.MsgRoomFull))
		return
	}

	// Close may have run between Handle's lookup and the join above; its
	// LeaveAll would then have missed this room.
	if _, open := r.peer(p.ID); !open {
		r.logger.Debug("peer closed while joining, undoing join", "clientId", p.ID, "roomId", roomID)
		r.rooms.Leave(roomID, p.ID)
		if res.Left != nil {
			r.notifyLeft(p.ID, *res.Left)
		}
		r.metrics.SetActiveRooms(r.rooms.Len())
		return
	}

	p.setRoom(roomID)
	r.metrics.SetActiveRooms(r.rooms.Len())

	if res.Left != nil {
		r.reply(p, protocol.NewRoomLeft(res.Left.Room.ID))
		r.notifyLeft(p.ID, *res.Left)
	}

	count := res.Room.ParticipantCount()
	r.reply(p, protocol.NewRoomJoined(roomID, count, res.Room.HostID == p.ID, res.Room.Others(p.ID)))
	if res.AlreadyMember {
		return
	}

	r.logger.Info("joined room", "clientId", p.ID, "roomId", roomID, "participantCount", count, "created", res.Created)
	r.fanOut(res.Room.Others(p.ID), protocol.NewParticipantJoined(p.ID, roomID, count))
}

func (r *Relay) leave(p *Peer, roomID string) {
	res, ok := r.rooms.Leave(roomID, p.ID)
	if !ok {
		return
	}
	p.clearRoom(roomID)
	r.metrics.SetActiveRooms(r.rooms.Len())

	r.reply(p, protocol.NewRoomLeft(roomID))
	r.notifyLeft(p.ID, res)
}

func (r *Relay) notifyLeft(id string, res rooms.LeaveResult) {
	r.logger.Info("left room", "clientId", id, "roomId", res.Room.ID,
		"participantCount", res.Room.ParticipantCount(), "roomDeleted", res.Deleted)
	if res.Deleted {
		return
	}
	r.fanOut(res.Room.ParticipantIDs, protocol.NewParticipantLeft(id, res.Room.ID, res.Room.ParticipantCount()))
}

func (r *Relay) relay(from *Peer, sig protocol.Signal) {
	frame := protocol.NewRelayedSignal(from.ID, sig)

	if sig.TargetClientID != "" {
		target, ok := r.peer(sig.TargetClientID)
		if !ok {
			r.logger.Debug("signal target not connected, dropping", "clientId", from.ID, "targetClientId", sig.TargetClientID)
			return
		}
		if err := target.send(frame); err != nil {
			r.logger.Debug("signal delivery failed", "clientId", from.ID, "targetClientId", target.ID, "error", err)
			return
		}
		r.metrics.SignalRelayed(string(sig.SignalType), "direct")
		return
	}

	roomID := from.RoomID()
	room, ok := r.rooms.Get(roomID)
	if roomID == "" || !ok {
		r.reply(from, protocol.NewError(protocol.MsgNotInRoom))
		return
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error("encode signal", "clientId", from.ID, "error", err)
		return
	}
	for _, id := range room.Others(from.ID) {
		target, ok := r.peer(id)
		if !ok {
			continue
		}
		if err := target.sendFrame(data); err != nil {
			r.logger.Debug("signal delivery failed", "clientId", from.ID, "targetClientId", id, "error", err)
			continue
		}
		r.metrics.SignalRelayed(string(sig.SignalType), "room")
	}
}

// fanOut sends v to each listed peer, ignoring individual failures.
func (r *Relay) fanOut(ids []string, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		r.logger.Error("encode frame", "error", err)
		return
	}
	for _, id := range ids {
		p, ok := r.peer(id)
		if !ok {
			continue
		}
		if err := p.sendFrame(data); err != nil {
			r.logger.Debug("room notification failed", "clientId", id, "error", err)
		}
	}
}

func (r *Relay) reply(p *Peer, v any) {
	if err := p.send(v); err != nil {
		r.logger.Debug("reply failed", "clientId", p.ID, "error", err)
	}
}

func (r *Relay) peer(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Peers lists the open signaling channels ordered by connection time.
func (r *Relay) Peers() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, PeerInfo{
			ID:          p.ID,
			RoomID:      p.RoomID(),
			RemoteAddr:  p.Metadata.RemoteAddr,
			ConnectedAt: p.ConnectedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// AtCapacity reports whether Open would refuse a new channel.
func (r *Relay) AtCapacity() bool {
	if r.maxPeers <= 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers) >= r.maxPeers
}

// Len returns the number of open signaling channels.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ICEServers returns the STUN/TURN configuration handed to clients.
func (r *Relay) ICEServers() []webrtc.ICEServer {
	return r.iceServers
}

// CloseAll closes every open peer.
func (r *Relay) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id, reason)
	}
}
