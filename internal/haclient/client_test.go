package haclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebridge/ha-integration/internal/bridgeerr"
	"github.com/corebridge/ha-integration/internal/config"
	"github.com/corebridge/ha-integration/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeHA starts an httptest server speaking just enough of the HA
// WebSocket protocol to drive the client through auth, bootstrap, a
// service call and a heartbeat ping.
func fakeHA(t *testing.T) (*httptest.Server, *sync.WaitGroup) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer wg.Done()
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth_required"}))

		var auth map[string]interface{}
		require.NoError(t, conn.ReadJSON(&auth))
		require.Equal(t, "test-token", auth["access_token"])
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth_ok"}))

		var subscribe map[string]interface{}
		require.NoError(t, conn.ReadJSON(&subscribe))
		require.Equal(t, "subscribe_events", subscribe["type"])
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id": subscribe["id"], "type": "result", "success": true,
		}))

		var getStates map[string]interface{}
		require.NoError(t, conn.ReadJSON(&getStates))
		require.Equal(t, "get_states", getStates["type"])
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id": getStates["id"], "type": "result", "success": true,
			"result": []map[string]interface{}{
				{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]interface{}{}},
			},
		}))

		// Push a state_changed event.
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "event",
			"event": map[string]interface{}{
				"event_type": "state_changed",
				"data": map[string]interface{}{
					"entity_id": "light.kitchen",
					"new_state": map[string]interface{}{"entity_id": "light.kitchen", "state": "off", "attributes": map[string]interface{}{}},
				},
			},
		}))

		// Serve a call_service request.
		var call map[string]interface{}
		require.NoError(t, conn.ReadJSON(&call))
		require.Equal(t, "call_service", call["type"])
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id": call["id"], "type": "result", "success": true,
		}))

		// Answer one ping then let the test close the connection.
		var ping map[string]interface{}
		if conn.ReadJSON(&ping) == nil && ping["type"] == "ping" {
			conn.WriteJSON(map[string]interface{}{"id": ping["id"], "type": "pong"})
		}
	}))

	return srv, &wg
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := config.HAConfig{
		URL:               wsURL,
		Token:             "test-token",
		ConnectionTimeout: 2 * time.Second,
		RequestTimeout:    2 * time.Second,
		HeartbeatInterval: 200 * time.Millisecond,
		ReconnectPolicy:   config.DefaultReconnectPolicy(),
	}
	logger := logrus.New()
	logger.SetOutput(testWriter{t})
	return NewClient(cfg, config.TraceNone, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestClient_BootstrapAndDelta(t *testing.T) {
	srv, wg := fakeHA(t)
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	full := <-c.Updates()
	require.NotNil(t, full.Full)
	assert.Len(t, full.Full, 1)
	assert.Equal(t, "light.kitchen", full.Full[0].EntityID)

	delta := <-c.Updates()
	require.NotNil(t, delta.Delta)
	assert.Equal(t, "off", delta.Delta.State)

	err := c.CallService(context.Background(), model.ServiceCall{
		Domain: "light", Service: "turn_on", Target: model.ServiceTarget{EntityID: "light.kitchen"},
	})
	assert.NoError(t, err)

	wg.Wait()
}

func TestClient_StandbyPausesDuringBackoff(t *testing.T) {
	// A listener that never accepts: the TCP connect succeeds but the
	// WebSocket handshake is never answered.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := NewClient(config.HAConfig{
		URL:               "ws://" + ln.Addr().String(),
		Token:             "t",
		ConnectionTimeout: 30 * time.Millisecond,
		RequestTimeout:    30 * time.Millisecond,
		HeartbeatInterval: time.Second,
		ReconnectPolicy: config.ReconnectPolicy{
			InitialDelay: 2 * time.Second, MaxDelay: 2 * time.Second, Multiplier: 1,
		},
	}, config.TraceNone, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	// Each dial stays in StateConnecting until ConnectionTimeout (30ms)
	// expires, so the first dial has failed and Run is parked in its long
	// backoff wait by the time standby arrives.
	time.Sleep(80 * time.Millisecond)
	c.SetStandby(true)

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	// It should stay parked in standby, not attempt another dial.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())

	c.SetStandby(false)
	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, 5*time.Millisecond)
}

func TestClient_CallServiceCancelledOnShutdown(t *testing.T) {
	c := NewClient(config.HAConfig{
		URL: "ws://127.0.0.1:1", Token: "t",
		ConnectionTimeout: 50 * time.Millisecond, RequestTimeout: 50 * time.Millisecond,
		HeartbeatInterval: time.Second, ReconnectPolicy: config.DefaultReconnectPolicy(),
	}, config.TraceNone, logrus.New())
	c.Shutdown()

	err := c.CallService(context.Background(), model.ServiceCall{Domain: "light", Service: "turn_on"})
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindCancelled, kind)
}
