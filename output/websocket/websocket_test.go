package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/growplane/subscription"
	"github.com/c360/growplane/types"
)

func newTestOutput(t *testing.T) (*Output, *subscription.Registry, *httptest.Server) {
	t.Helper()
	registry := subscription.NewRegistry()
	o := NewOutput(Config{Addr: "127.0.0.1:0"}, registry, nil, nil, nil)
	o.shutdown = make(chan struct{})
	o.running.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(o.HandleConnection))
	t.Cleanup(func() {
		close(o.shutdown)
		srv.Close()
	})
	return o, registry, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubscribeAndReceiveReading(t *testing.T) {
	o, registry, srv := newTestOutput(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", StreamID: "temp-veg-1"}))

	// Wait for the registration to land.
	require.Eventually(t, func() bool {
		return len(registry.Subscribers("temp-veg-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	reading := types.Reading{
		StreamID:   "temp-veg-1",
		Value:      24.5,
		SourceTime: time.Now().UTC(),
		Quality:    types.QualityGood,
	}
	data, err := json.Marshal(reading)
	require.NoError(t, err)
	o.handleReading(context.Background(), data)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope MessageEnvelope
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, "reading", envelope.Type)
	assert.Equal(t, "temp-veg-1", envelope.StreamID)

	var got types.Reading
	require.NoError(t, json.Unmarshal(envelope.Data, &got))
	assert.Equal(t, 24.5, got.Value)
}

func TestUnsubscribedStreamNotDelivered(t *testing.T) {
	o, registry, srv := newTestOutput(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", StreamID: "temp-veg-1"}))
	require.Eventually(t, func() bool {
		return len(registry.Subscribers("temp-veg-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	other := types.Reading{StreamID: "other-stream", Value: 1, SourceTime: time.Now().UTC()}
	data, err := json.Marshal(other)
	require.NoError(t, err)
	o.handleReading(context.Background(), data)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var envelope MessageEnvelope
	err = conn.ReadJSON(&envelope)
	assert.Error(t, err, "no frame should arrive for an unsubscribed stream")
}

func TestAlertBroadcastToAllViewers(t *testing.T) {
	o, _, srv := newTestOutput(t)
	conn1 := dial(t, srv)
	conn2 := dial(t, srv)

	require.Eventually(t, func() bool {
		return o.ConnectionCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	instance := types.AlertInstance{ID: "inst-1", RuleID: "rule-1", StreamID: "temp-veg-1"}
	data, err := json.Marshal(instance)
	require.NoError(t, err)
	o.handleAlert(context.Background(), data)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var envelope MessageEnvelope
		require.NoError(t, conn.ReadJSON(&envelope))
		assert.Equal(t, "alert", envelope.Type)
	}
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	o, registry, srv := newTestOutput(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", StreamID: "temp-veg-1"}))
	require.Eventually(t, func() bool {
		return len(registry.Subscribers("temp-veg-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return len(registry.Subscribers("temp-veg-1")) == 0 && o.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameGetsErrorEnvelope(t *testing.T) {
	_, _, srv := newTestOutput(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope MessageEnvelope
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, "error", envelope.Type)
}
