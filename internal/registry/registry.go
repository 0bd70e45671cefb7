// Package registry tracks every live push-channel client.
//
// The registry is the authority on whether a connection is live: an entry is
// present if and only if its transport is open and it has not been evicted.
// Operations hold the lock only for a single insert, delete or lookup and never
// while writing to a transport.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport is the write side of one client channel.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Metadata describes where a connection came from.
type Metadata struct {
	RemoteAddr string
	UserAgent  string
}

// Reasons passed to the removal hook.
const (
	ReasonClosed       = "closed"
	ReasonWriteFailed  = "write_failed"
	ReasonStale        = "stale"
	ReasonDisconnected = "disconnected"
	ReasonShutdown     = "shutdown"
)

// Entry is one admitted connection. The transport is owned by the entry and
// must not be used once the entry has been removed.
type Entry struct {
	ID          string
	Metadata    Metadata
	ConnectedAt time.Time

	transport    Transport
	lastSeen     atomic.Int64
	messageCount atomic.Int64
}

// Send writes one frame to the entry's transport.
func (e *Entry) Send(frame []byte) error {
	return e.transport.Send(frame)
}

// MarkDelivered counts one successfully delivered broadcast.
func (e *Entry) MarkDelivered() {
	e.messageCount.Add(1)
}

// MessageCount reports how many broadcasts reached this entry.
func (e *Entry) MessageCount() int64 {
	return e.messageCount.Load()
}

// LastSeen is the time of the last liveness acknowledgement.
func (e *Entry) LastSeen() time.Time {
	return time.Unix(0, e.lastSeen.Load())
}

// Info is a point-in-time view of an entry, used for listings.
type Info struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	UserAgent    string    `json:"userAgent"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeen     time.Time `json:"lastSeen"`
	MessageCount int64     `json:"messageCount"`
}

// Info returns the listing view of the entry.
func (e *Entry) Info() Info {
	return Info{
		ID:           e.ID,
		RemoteAddr:   e.Metadata.RemoteAddr,
		UserAgent:    e.Metadata.UserAgent,
		ConnectedAt:  e.ConnectedAt,
		LastSeen:     e.LastSeen(),
		MessageCount: e.MessageCount(),
	}
}

// RemovalHook is called once for every entry that leaves the registry, after
// the lock has been released.
type RemovalHook func(entry *Entry, reason string)

type Option func(*Registry)

// WithRemovalHook registers fn to observe removals.
func WithRemovalHook(fn RemovalHook) Option {
	return func(r *Registry) {
		r.onRemove = append(r.onRemove, fn)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry maps connection ids to live entries. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	onRemove []RemovalHook
	now      func() time.Time
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit stores a new entry for transport and returns its fresh id.
func (r *Registry) Admit(transport Transport, meta Metadata) string {
	id, _ := r.Open(transport, meta, nil)
	return id
}

// Open is Admit with a greeting: greet runs with the new id before the entry
// becomes visible, so whatever it queues on the transport precedes any frame a
// concurrent broadcast or probe could send. If greet fails nothing is stored
// and the error is returned.
func (r *Registry) Open(transport Transport, meta Metadata, greet func(id string) error) (string, error) {
	now := r.now()
	entry := &Entry{
		ID:          uuid.NewString(),
		Metadata:    meta,
		ConnectedAt: now,
		transport:   transport,
	}
	entry.lastSeen.Store(now.UnixNano())

	if greet != nil {
		if err := greet(entry.ID); err != nil {
			return entry.ID, err
		}
	}

	r.mu.Lock()
	r.entries[entry.ID] = entry
	r.mu.Unlock()

	return entry.ID, nil
}

// Remove deletes id after its transport reported closure. Removing an absent
// id is a no-op; the return value reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	_, ok := r.remove(id, ReasonClosed)
	return ok
}

// Evict deletes id and closes its transport. It is used when the server
// decides the connection is dead (failed write, stale heartbeat) or when an
// administrator forces a disconnect. Evicting an absent id is a no-op.
func (r *Registry) Evict(id, reason string) bool {
	entry, ok := r.remove(id, reason)
	if !ok {
		return false
	}
	_ = entry.transport.Close()
	return true
}

func (r *Registry) remove(id, reason string) (*Entry, bool) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	for _, fn := range r.onRemove {
		fn(entry, reason)
	}
	return entry, true
}

// Get returns the live entry for id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// Snapshot copies the current entries. Mutating the registry while walking the
// returned slice is safe.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()
	return out
}

// ForEachLive calls fn for every entry present when the call started.
func (r *Registry) ForEachLive(fn func(*Entry)) {
	for _, entry := range r.Snapshot() {
		fn(entry)
	}
}

// UpdateLiveness records a heartbeat acknowledgement. Absent ids are ignored.
func (r *Registry) UpdateLiveness(id string, at time.Time) {
	if entry, ok := r.Get(id); ok {
		entry.lastSeen.Store(at.UnixNano())
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a view of every entry ordered by connection time.
func (r *Registry) List() []Info {
	entries := r.Snapshot()
	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
