package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pufferblow/live-relay/internal/history"
	"github.com/pufferblow/live-relay/internal/protocol"
	"github.com/pufferblow/live-relay/internal/registry"
)

type mockTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func (m *mockTransport) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) received(t *testing.T) []protocol.Broadcast {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.Broadcast, 0, len(m.frames))
	for _, f := range m.frames {
		var msg protocol.Broadcast
		require.NoError(t, json.Unmarshal(f, &msg))
		out = append(out, msg)
	}
	return out
}

type recorder struct {
	history.Nop
	mu       sync.Mutex
	messages []history.Message
}

func (r *recorder) RecordMessage(m history.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func TestEngine_AnnounceReachesEveryClient(t *testing.T) {
	reg := registry.New()
	clients := []*mockTransport{{}, {}, {}}
	for _, c := range clients {
		reg.Admit(c, registry.Metadata{})
	}
	rec := &recorder{}
	engine := New(reg, WithRecorder(rec))

	msg, delivered, err := engine.Announce("notification", "hi")
	require.NoError(t, err)

	assert.Equal(t, 3, delivered)
	assert.NotEmpty(t, msg.ID)
	for _, c := range clients {
		got := c.received(t)
		require.Len(t, got, 1)
		assert.Equal(t, "notification", got[0].Type)
		assert.Equal(t, "hi", got[0].Content)
		assert.Equal(t, msg.ID, got[0].ID)
	}

	require.Len(t, rec.messages, 1)
	assert.Equal(t, 3, rec.messages[0].Recipients)
}

func TestEngine_FailedWritePrunesConnection(t *testing.T) {
	reg := registry.New()
	dead := &mockTransport{sendErr: errors.New("broken pipe")}
	deadID := reg.Admit(dead, registry.Metadata{})
	alive := []*mockTransport{{}, {}}
	for _, c := range alive {
		reg.Admit(c, registry.Metadata{})
	}
	engine := New(reg)

	_, delivered, err := engine.Announce("notification", "hi")
	require.NoError(t, err)

	assert.Equal(t, 2, delivered)
	_, ok := reg.Get(deadID)
	assert.False(t, ok)
	assert.True(t, dead.closed)
	for _, info := range reg.List() {
		assert.NotEqual(t, deadID, info.ID)
	}
}

func TestEngine_EveryConnectionReceivesOrIsRemoved(t *testing.T) {
	reg := registry.New()
	var ids []string
	for i := 0; i < 10; i++ {
		var err error
		if i%3 == 0 {
			err = errors.New("closed")
		}
		ids = append(ids, reg.Admit(&mockTransport{sendErr: err}, registry.Metadata{}))
	}
	engine := New(reg)

	_, delivered, err := engine.Announce("notification", "hi")
	require.NoError(t, err)

	assert.Equal(t, 6, delivered)
	for _, id := range ids {
		entry, ok := reg.Get(id)
		if ok {
			assert.Equal(t, int64(1), entry.MessageCount(), "entry %s kept without delivery", id)
		}
	}
	assert.Equal(t, 6, reg.Len())
}

func TestEngine_PreservesOrderPerConnection(t *testing.T) {
	reg := registry.New()
	client := &mockTransport{}
	reg.Admit(client, registry.Metadata{})
	engine := New(reg)

	var want []string
	for i := 0; i < 20; i++ {
		msg, _, err := engine.Announce("notification", string(rune('a'+i)))
		require.NoError(t, err)
		want = append(want, msg.ID)
	}

	got := client.received(t)
	require.Len(t, got, 20)
	for i, msg := range got {
		assert.Equal(t, want[i], msg.ID)
	}
}

func TestEngine_EmptyRegistry(t *testing.T) {
	engine := New(registry.New())

	_, delivered, err := engine.Announce("notification", "nobody home")

	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestEngine_ConnectionFrameComesFirst(t *testing.T) {
	reg := registry.New()
	engine := New(reg)

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			_, _, err := engine.Announce("notification", "hi")
			assert.NoError(t, err)
		}
	}()

	clients := make([]*mockTransport, 0, 2000)
	for i := 0; i < 2000; i++ {
		c := &mockTransport{}
		_, err := reg.Open(c, registry.Metadata{}, func(id string) error {
			frame, err := protocol.Encode(protocol.NewConnection(id, time.Now().UTC(), nil))
			if err != nil {
				return err
			}
			return c.Send(frame)
		})
		require.NoError(t, err)
		clients = append(clients, c)
	}
	stop.Store(true)
	wg.Wait()

	for i, c := range clients {
		frames := c.received(t)
		require.NotEmpty(t, frames)
		require.Equal(t, protocol.TypeConnection, frames[0].Type, "client %d", i)
	}
}
