package stats

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionRemoved("closed")
		m.PeerOpened()
		m.PeerClosed()
		m.SetActiveRooms(3)
		m.Broadcast(2)
		m.SignalRelayed("offer", "room")
		m.Rejected("room_full")
		m.ProbeSent()
		m.HistoryDropped()
		m.HistoryFailed()
	})
	assert.Equal(t, Totals{}, m.Totals())
}

func TestMetrics_Totals(t *testing.T) {
	m := New("test_")

	m.Broadcast(3)
	m.Broadcast(1)
	m.ConnectionOpened()
	m.ConnectionRemoved("write_failed")
	m.SignalRelayed("answer", "direct")
	m.HistoryDropped()
	m.Rejected("capacity")

	totals := m.Totals()
	assert.Equal(t, int64(2), totals.Broadcasts)
	assert.Equal(t, int64(4), totals.Delivered)
	assert.Equal(t, int64(1), totals.Removals)
	assert.Equal(t, int64(1), totals.SignalsRelayed)
	assert.Equal(t, int64(1), totals.HistoryDropped)
	assert.Equal(t, int64(1), totals.Rejected)
	assert.Equal(t, int64(4), totals.DeliveriesPerMinute)
}

func TestMetrics_Handler(t *testing.T) {
	m := New("test_")
	m.SignalRelayed("offer", "room")
	m.ConnectionRemoved("stale")
	m.Rejected("room_full")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `test_signals_relayed_total{mode="room",signal_type="offer"} 1`), text)
	assert.True(t, strings.Contains(text, `test_connection_removals_total{reason="stale"} 1`), text)
	assert.True(t, strings.Contains(text, `test_rejected_total{reason="room_full"} 1`), text)
}
