// Package rooms tracks which signaling connections are in which room.
//
// A room exists exactly while it has at least one participant, and a
// connection is a participant of at most one room: joining a new room moves it
// out of the previous one under the same lock.
package rooms

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRoomFull is returned by Join when the room is at its participant limit.
var ErrRoomFull = errors.New("room is full")

// Entry is a copy of a room's state at one point in time.
type Entry struct {
	ID             string    `json:"roomId"`
	HostID         string    `json:"hostId"`
	ParticipantIDs []string  `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ParticipantCount returns the number of members.
func (e Entry) ParticipantCount() int {
	return len(e.ParticipantIDs)
}

// Others returns every participant except id.
func (e Entry) Others(id string) []string {
	out := make([]string, 0, len(e.ParticipantIDs))
	for _, p := range e.ParticipantIDs {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

// JoinResult describes the outcome of Join.
type JoinResult struct {
	Room          Entry
	Created       bool
	AlreadyMember bool
	// Left is set when the connection was moved out of another room.
	Left *LeaveResult
}

// LeaveResult holds the room as it stands after the departure. Deleted is set
// when the departure emptied it.
type LeaveResult struct {
	Room    Entry
	Deleted bool
}

type room struct {
	id           string
	hostID       string
	createdAt    time.Time
	participants map[string]struct{}
}

func (r *room) entry() Entry {
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Entry{
		ID:             r.id,
		HostID:         r.hostID,
		ParticipantIDs: ids,
		CreatedAt:      r.createdAt,
	}
}

// Registry holds every active room. It is safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	rooms           map[string]*room
	memberOf        map[string]string
	maxParticipants int
	now             func() time.Time
}

type Option func(*Registry)

// WithMaxParticipants caps the members of a single room. n <= 0 means no cap.
func WithMaxParticipants(n int) Option {
	return func(r *Registry) { r.maxParticipants = n }
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		rooms:    make(map[string]*room),
		memberOf: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds connID to roomID, creating the room with connID as host when it
// does not exist. Joining a room twice is a no-op. A full room returns
// ErrRoomFull and leaves the connection where it was.
func (r *Registry) Join(roomID, connID string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok && r.maxParticipants > 0 {
		if _, member := rm.participants[connID]; !member && len(rm.participants) >= r.maxParticipants {
			return JoinResult{Room: rm.entry()}, ErrRoomFull
		}
	}

	var left *LeaveResult
	if prev, ok := r.memberOf[connID]; ok && prev != roomID {
		res := r.leaveLocked(prev, connID)
		left = &res
	}

	rm, exists := r.rooms[roomID]
	if !exists {
		rm = &room{
			id:           roomID,
			hostID:       connID,
			createdAt:    r.now(),
			participants: make(map[string]struct{}),
		}
		r.rooms[roomID] = rm
	}
	_, already := rm.participants[connID]
	rm.participants[connID] = struct{}{}
	r.memberOf[connID] = roomID

	return JoinResult{
		Room:          rm.entry(),
		Created:       !exists,
		AlreadyMember: already,
		Left:          left,
	}, nil
}

// Leave removes connID from roomID. It reports false when the pair was not
// present.
func (r *Registry) Leave(roomID, connID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return LeaveResult{}, false
	}
	if _, member := rm.participants[connID]; !member {
		return LeaveResult{}, false
	}
	return r.leaveLocked(roomID, connID), true
}

// LeaveAll removes connID from every room it belongs to.
func (r *Registry) LeaveAll(connID string) []LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []LeaveResult
	for id, rm := range r.rooms {
		if _, member := rm.participants[connID]; member {
			out = append(out, r.leaveLocked(id, connID))
		}
	}
	return out
}

func (r *Registry) leaveLocked(roomID, connID string) LeaveResult {
	rm := r.rooms[roomID]
	delete(rm.participants, connID)
	if r.memberOf[connID] == roomID {
		delete(r.memberOf, connID)
	}

	res := LeaveResult{Room: rm.entry()}
	if len(rm.participants) == 0 {
		delete(r.rooms, roomID)
		res.Deleted = true
	}
	return res
}

// Get returns a copy of roomID's state.
func (r *Registry) Get(roomID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return Entry{}, false
	}
	return rm.entry(), true
}

// RoomOf returns the room connID is currently in.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.memberOf[connID]
	return id, ok
}

// ListActive returns every room, oldest first.
func (r *Registry) ListActive() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.entry())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of active rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
