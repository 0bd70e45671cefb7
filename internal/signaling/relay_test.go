package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pufferblow/live-relay/internal/protocol"
	"github.com/pufferblow/live-relay/internal/registry"
	"github.com/pufferblow/live-relay/internal/rooms"
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

// take returns and forgets every frame received so far, decoded as generic
// objects.
func (m *mockTransport) take(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]map[string]any, 0, len(m.frames))
	for _, f := range m.frames {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(f, &frame))
		out = append(out, frame)
	}
	m.frames = nil
	return out
}

type client struct {
	id string
	t  *mockTransport
}

func open(t *testing.T, relay *Relay, requestedID string) client {
	t.Helper()
	tr := &mockTransport{}
	p, err := relay.Open(tr, requestedID, registry.Metadata{RemoteAddr: "127.0.0.1:1"})
	require.NoError(t, err)

	frames := tr.take(t)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.TypeConnection, frames[0]["type"])
	require.Equal(t, p.ID, frames[0]["clientId"])
	return client{id: p.ID, t: tr}
}

func send(relay *Relay, c client, frame string) {
	relay.Handle(c.id, []byte(frame))
}

const offer = `{"type":"webrtc-signal","signalType":"offer","signal":{"type":"offer","sdp":"v=0"}}`

func TestRelay_OpenAssignsIDs(t *testing.T) {
	relay := New(rooms.New())

	a := open(t, relay, "")
	assert.NotEmpty(t, a.id)

	b := open(t, relay, "sse-123")
	assert.Equal(t, "sse-123", b.id)

	dup := open(t, relay, "sse-123")
	assert.NotEqual(t, "sse-123", dup.id)
	assert.Equal(t, 3, relay.Len())
}

func TestRelay_ConnectionFrameCarriesICEServers(t *testing.T) {
	ice := []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	relay := New(rooms.New(), WithICEServers(ice))
	tr := &mockTransport{}

	_, err := relay.Open(tr, "", registry.Metadata{})
	require.NoError(t, err)

	var frame protocol.Connection
	require.NoError(t, json.Unmarshal(tr.frames[0], &frame))
	assert.Equal(t, ice[0].URLs, frame.ICEServers[0].URLs)
}

func TestRelay_OpenFailsWhenConnectionFrameFails(t *testing.T) {
	relay := New(rooms.New())
	tr := &mockTransport{sendErr: errors.New("closed")}

	_, err := relay.Open(tr, "", registry.Metadata{})

	require.Error(t, err)
	assert.Equal(t, 0, relay.Len())
	assert.True(t, tr.closed)
}

func TestRelay_JoinAndLeaveNotifications(t *testing.T) {
	roomRegistry := rooms.New()
	relay := New(roomRegistry)
	b := open(t, relay, "b")
	c := open(t, relay, "c")

	send(relay, b, `{"type":"join-room","roomId":"r1"}`)
	frames := b.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeRoomJoined, frames[0]["type"])
	assert.Equal(t, "r1", frames[0]["roomId"])
	assert.EqualValues(t, 1, frames[0]["participantCount"])
	assert.Equal(t, true, frames[0]["isHost"])

	send(relay, c, `{"type":"join-room","roomId":"r1"}`)
	frames = c.t.take(t)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 2, frames[0]["participantCount"])
	assert.Equal(t, false, frames[0]["isHost"])
	assert.Equal(t, []any{"b"}, frames[0]["participants"])

	frames = b.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeParticipantJoined, frames[0]["type"])
	assert.Equal(t, "c", frames[0]["clientId"])
	assert.EqualValues(t, 2, frames[0]["participantCount"])

	send(relay, c, `{"type":"leave-room","roomId":"r1"}`)
	frames = c.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeRoomLeft, frames[0]["type"])

	frames = b.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeParticipantLeft, frames[0]["type"])
	assert.EqualValues(t, 1, frames[0]["participantCount"])

	entry, ok := roomRegistry.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 1, entry.ParticipantCount())

	send(relay, b, `{"type":"leave-room","roomId":"r1"}`)
	assert.Empty(t, roomRegistry.ListActive())
	assert.Empty(t, c.t.take(t))
}

func TestRelay_DuplicateJoinDoesNotRenotify(t *testing.T) {
	relay := New(rooms.New())
	a := open(t, relay, "a")
	b := open(t, relay, "b")
	send(relay, a, `{"type":"join-room","roomId":"r1"}`)
	send(relay, b, `{"type":"join-room","roomId":"r1"}`)
	a.t.take(t)
	b.t.take(t)

	send(relay, b, `{"type":"join-room","roomId":"r1"}`)

	frames := b.t.take(t)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 2, frames[0]["participantCount"])
	assert.Empty(t, a.t.take(t))
}

func TestRelay_LeaveRoomNotInIsNoop(t *testing.T) {
	relay := New(rooms.New())
	a := open(t, relay, "a")

	send(relay, a, `{"type":"leave-room","roomId":"elsewhere"}`)

	assert.Empty(t, a.t.take(t))
}

func TestRelay_JoinGeneratesRoomID(t *testing.T) {
	relay := New(rooms.New())
	a := open(t, relay, "a")

	send(relay, a, `{"type":"join-room"}`)

	frames := a.t.take(t)
	require.Len(t, frames, 1)
	roomID, _ := frames[0]["roomId"].(string)
	assert.Len(t, roomID, 26)
}

func TestRelay_JoinMovesBetweenRooms(t *testing.T) {
	roomRegistry := rooms.New()
	relay := New(roomRegistry)
	a := open(t, relay, "a")
	b := open(t, relay, "b")
	send(relay, a, `{"type":"join-room","roomId":"r1"}`)
	send(relay, b, `{"type":"join-room","roomId":"r1"}`)
	a.t.take(t)
	b.t.take(t)

	send(relay, a, `{"type":"join-room","roomId":"r2"}`)

	frames := a.t.take(t)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeRoomLeft, frames[0]["type"])
	assert.Equal(t, "r1", frames[0]["roomId"])
	assert.Equal(t, protocol.TypeRoomJoined, frames[1]["type"])
	assert.Equal(t, "r2", frames[1]["roomId"])

	frames = b.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeParticipantLeft, frames[0]["type"])
	assert.Equal(t, "a", frames[0]["clientId"])

	r1, _ := roomRegistry.Get("r1")
	assert.Equal(t, []string{"b"}, r1.ParticipantIDs)
}

func TestRelay_RoomSignalReachesOthersOnly(t *testing.T) {
	relay := New(rooms.New())
	d := open(t, relay, "d")
	e := open(t, relay, "e")
	outsider := open(t, relay, "x")
	send(relay, d, `{"type":"join-room","roomId":"r1"}`)
	send(relay, e, `{"type":"join-room","roomId":"r1"}`)
	send(relay, outsider, `{"type":"join-room","roomId":"r2"}`)
	d.t.take(t)
	e.t.take(t)
	outsider.t.take(t)

	send(relay, d, offer)

	frames := e.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeWebRTCSignal, frames[0]["type"])
	assert.Equal(t, "d", frames[0]["fromClientId"])
	assert.Equal(t, "offer", frames[0]["signalType"])
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, frames[0]["signal"])

	assert.Empty(t, d.t.take(t))
	assert.Empty(t, outsider.t.take(t))
}

func TestRelay_RoomSignalOutsideRoomErrors(t *testing.T) {
	relay := New(rooms.New())
	f := open(t, relay, "f")
	other := open(t, relay, "g")
	send(relay, other, `{"type":"join-room","roomId":"r1"}`)
	other.t.take(t)

	send(relay, f, offer)

	frames := f.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeError, frames[0]["type"])
	assert.Equal(t, protocol.MsgNotInRoom, frames[0]["message"])
	assert.Empty(t, other.t.take(t))
}

func TestRelay_DirectedSignal(t *testing.T) {
	relay := New(rooms.New())
	a := open(t, relay, "a")
	b := open(t, relay, "b")
	c := open(t, relay, "c")

	send(relay, a, `{"type":"webrtc-signal","signalType":"answer","signal":{"type":"answer","sdp":"v=0"},"targetClientId":"b"}`)

	frames := b.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "a", frames[0]["fromClientId"])
	assert.Equal(t, "answer", frames[0]["signalType"])
	assert.Empty(t, a.t.take(t))
	assert.Empty(t, c.t.take(t))
}

func TestRelay_DirectedSignalToAbsentPeerIsDropped(t *testing.T) {
	relay := New(rooms.New())
	a := open(t, relay, "a")

	send(relay, a, `{"type":"webrtc-signal","signalType":"ice-candidate","signal":null,"targetClientId":"ghost"}`)

	assert.Empty(t, a.t.take(t))
}

func TestRelay_RoomSignalSwallowsFailures(t *testing.T) {
	relay := New(rooms.New())
	a := open(t, relay, "a")
	b := open(t, relay, "b")
	c := open(t, relay, "c")
	for _, cl := range []client{a, b, c} {
		send(relay, cl, `{"type":"join-room","roomId":"r1"}`)
	}
	a.t.take(t)
	b.t.take(t)
	c.t.take(t)

	b.t.mu.Lock()
	b.t.sendErr = errors.New("broken pipe")
	b.t.mu.Unlock()

	send(relay, a, offer)

	assert.Len(t, c.t.take(t), 1)
}

func TestRelay_BadFrames(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantMsg string
	}{
		{name: "malformed", frame: `{{{`},
		{name: "unknown type", frame: `{"type":"chat"}`, wantMsg: protocol.MsgUnsupportedMessage},
		{name: "invalid signal", frame: `{"type":"webrtc-signal","signalType":"offer","signal":"v=0"}`, wantMsg: protocol.MsgInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := New(rooms.New())
			a := open(t, relay, "a")

			send(relay, a, tt.frame)

			frames := a.t.take(t)
			if tt.wantMsg == "" {
				assert.Empty(t, frames)
			} else {
				require.Len(t, frames, 1)
				assert.Equal(t, protocol.TypeError, frames[0]["type"])
				assert.Equal(t, tt.wantMsg, frames[0]["message"])
			}
			assert.Equal(t, 1, relay.Len())
		})
	}
}

func TestRelay_CloseActsAsLeave(t *testing.T) {
	roomRegistry := rooms.New()
	relay := New(roomRegistry)
	a := open(t, relay, "a")
	b := open(t, relay, "b")
	send(relay, a, `{"type":"join-room","roomId":"r1"}`)
	send(relay, b, `{"type":"join-room","roomId":"r1"}`)
	a.t.take(t)
	b.t.take(t)

	relay.Close("b", ReasonClientDisconnect)

	frames := a.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeParticipantLeft, frames[0]["type"])
	assert.Equal(t, "b", frames[0]["clientId"])
	assert.EqualValues(t, 1, frames[0]["participantCount"])
	assert.True(t, b.t.closed)

	relay.Close("a", ReasonClientDisconnect)
	assert.Empty(t, roomRegistry.ListActive())
	assert.Equal(t, 0, relay.Len())

	relay.Close("a", ReasonClientDisconnect)
}

func TestRelay_CloseAll(t *testing.T) {
	relay := New(rooms.New())
	a := open(t, relay, "a")
	b := open(t, relay, "b")

	relay.CloseAll(ReasonShutdown)

	assert.Equal(t, 0, relay.Len())
	assert.True(t, a.t.closed)
	assert.True(t, b.t.closed)
}

func TestRelay_OpenRefusedAtCapacity(t *testing.T) {
	relay := New(rooms.New(), WithMaxPeers(2))
	a := open(t, relay, "a")
	open(t, relay, "b")
	require.True(t, relay.AtCapacity())

	tr := &mockTransport{}
	p, err := relay.Open(tr, "c", registry.Metadata{})
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Nil(t, p)
	assert.Empty(t, tr.take(t))
	assert.Equal(t, 2, relay.Len())

	relay.Close(a.id, ReasonClientDisconnect)
	assert.False(t, relay.AtCapacity())
	open(t, relay, "c")
}

func TestRelay_JoinFullRoom(t *testing.T) {
	relay := New(rooms.New(rooms.WithMaxParticipants(2)))
	a := open(t, relay, "a")
	b := open(t, relay, "b")
	c := open(t, relay, "c")
	send(relay, a, `{"type":"join-room","roomId":"r1"}`)
	send(relay, b, `{"type":"join-room","roomId":"r1"}`)
	a.t.take(t)
	b.t.take(t)

	send(relay, c, `{"type":"join-room","roomId":"r1"}`)

	frames := c.t.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeError, frames[0]["type"])
	assert.Equal(t, protocol.MsgRoomFull, frames[0]["message"])
	assert.Empty(t, a.t.take(t))
	assert.Empty(t, b.t.take(t))

	room, ok := relay.rooms.Get("r1")
	require.True(t, ok)
	assert.Equal(t, []string{a.id, b.id}, room.ParticipantIDs)
}

func TestRelay_JoinRacingCloseLeavesNoMember(t *testing.T) {
	for i := 0; i < 500; i++ {
		relay := New(rooms.New())
		host := open(t, relay, "host")
		send(relay, host, `{"type":"join-room","roomId":"r1"}`)

		a := open(t, relay, "a")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			send(relay, a, `{"type":"join-room","roomId":"r1"}`)
		}()
		go func() {
			defer wg.Done()
			relay.Close(a.id, ReasonShutdown)
		}()
		wg.Wait()

		room, ok := relay.rooms.Get("r1")
		require.True(t, ok)
		require.Equal(t, []string{host.id}, room.ParticipantIDs, "iteration %d", i)
		_, inRoom := relay.rooms.RoomOf(a.id)
		require.False(t, inRoom, "iteration %d", i)
	}
}
