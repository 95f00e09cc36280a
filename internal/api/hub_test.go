package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/execution"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv, _, _, _ := newTestServer(t)
	srv.deps.Hub = hub
	srv.router.GET("/ws", hub.HandleWS)

	ts := httptest.NewServer(srv.Router())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	// The upgrade handshake finishing does not mean the hub has
	// registered the client yet.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())

	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func TestHubStreamsSignals(t *testing.T) {
	hub := NewHub()
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	sig := sealedSignal(t, "AAPL", 150)
	require.NoError(t, hub.PublishSignal(context.Background(), sig))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &envelope))
	assert.Equal(t, "signal", envelope.Type)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Data, &got))
	assert.Equal(t, sig.SignalID, got["signal_id"])
}

func TestHubStreamsTradeEvents(t *testing.T) {
	hub := NewHub()
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	hub.PublishTradeEvent(context.Background(), &execution.Event{
		Kind:     execution.EventTradeOpened,
		SignalID: "abc",
		Symbol:   "AAPL",
		Side:     broker.PositionLong,
		Qty:      10,
		Price:    150,
		At:       time.Now().UTC(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &envelope))
	assert.Equal(t, "trade_event", envelope.Type)
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub := NewHub()
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, hub.ClientCount())
}
