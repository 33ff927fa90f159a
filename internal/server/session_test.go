package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebridge/ha-integration/internal/model"
	"github.com/corebridge/ha-integration/internal/store"
)

func newTestServer(t *testing.T, st *store.Store) (*httptest.Server, *Deps) {
	t.Helper()
	deps := &Deps{
		Logger:      logrus.New(),
		Store:       st,
		AppVersion:  "9.9.9",
		HeartbeatIn: time.Second,
		PongTimeout: 3 * time.Second,
	}
	srv := New(deps, "", "", nil)
	ts := httptest.NewServer(srv.handler())
	return ts, deps
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Envelope) Envelope {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	var resp Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestSession_GetDriverVersion(t *testing.T) {
	st := store.New()
	ts, _ := newTestServer(t, st)
	defer ts.Close()
	conn := dial(t, ts)
	defer conn.Close()

	resp := roundTrip(t, conn, Envelope{Kind: kindReq, ID: 1, Msg: "get_driver_version"})
	assert.Equal(t, 200, resp.Code)
	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.MsgData, &data))
	assert.Equal(t, "9.9.9", data["version"])
}

func TestSession_EntityCommand_UnknownEntity(t *testing.T) {
	st := store.New()
	ts, _ := newTestServer(t, st)
	defer ts.Close()
	conn := dial(t, ts)
	defer conn.Close()

	payload, _ := json.Marshal(entityCommandParams{EntityID: "light.missing", CmdID: "on"})
	resp := roundTrip(t, conn, Envelope{Kind: kindReq, ID: 2, Msg: "entity_command", MsgData: payload})
	assert.Equal(t, 404, resp.Code)
}

func TestSession_EntityCommand_UnsupportedCmd(t *testing.T) {
	st := store.New()
	st.ApplyFull([]model.HASnapshot{{EntityID: "light.kitchen", State: "on", Attributes: map[string]interface{}{}}})
	ts, deps := newTestServer(t, st)
	_ = deps
	defer ts.Close()
	conn := dial(t, ts)
	defer conn.Close()

	payload, _ := json.Marshal(entityCommandParams{EntityID: "light.kitchen", CmdID: "not_a_real_command"})
	resp := roundTrip(t, conn, Envelope{Kind: kindReq, ID: 3, Msg: "entity_command", MsgData: payload})
	assert.Equal(t, 400, resp.Code)
}

func TestSession_SubscribeThenReceivesDelta(t *testing.T) {
	st := store.New()
	st.ApplyFull([]model.HASnapshot{{EntityID: "switch.fan", State: "off", Attributes: map[string]interface{}{}}})
	ts, _ := newTestServer(t, st)
	defer ts.Close()
	conn := dial(t, ts)
	defer conn.Close()

	subPayload, _ := json.Marshal(subscribeParams{EntityIDs: []string{"switch.fan"}})
	resp := roundTrip(t, conn, Envelope{Kind: kindReq, ID: 4, Msg: "subscribe_events", MsgData: subPayload})
	assert.Equal(t, 200, resp.Code)

	st.ApplyDelta(model.HASnapshot{EntityID: "switch.fan", State: "on", Attributes: map[string]interface{}{}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event Envelope
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, kindEvent, event.Kind)
	assert.Equal(t, "entity_change", event.Msg)
}

func TestSession_DeviceStateEventForwardsToSupervisor(t *testing.T) {
	st := store.New()
	deps := &Deps{
		Logger:      logrus.New(),
		Store:       st,
		AppVersion:  "9.9.9",
		HeartbeatIn: time.Second,
		PongTimeout: 3 * time.Second,
	}
	seen := make(chan string, 1)
	deps.OnDeviceState = func(state string) { seen <- state }
	srv := New(deps, "", "", nil)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	conn := dial(t, ts)
	defer conn.Close()

	payload, _ := json.Marshal(deviceStateEvent{State: "STANDBY"})
	require.NoError(t, conn.WriteJSON(Envelope{Kind: kindEvent, Msg: "device_state", MsgData: payload}))

	select {
	case state := <-seen:
		assert.Equal(t, "STANDBY", state)
	case <-time.After(2 * time.Second):
		t.Fatal("device_state event never reached OnDeviceState")
	}
}

func TestSession_GetAvailableEntities(t *testing.T) {
	st := store.New()
	st.ApplyFull([]model.HASnapshot{{EntityID: "light.kitchen", State: "on", Attributes: map[string]interface{}{}}})
	ts, _ := newTestServer(t, st)
	defer ts.Close()
	conn := dial(t, ts)
	defer conn.Close()

	resp := roundTrip(t, conn, Envelope{Kind: kindReq, ID: 5, Msg: "get_available_entities"})
	assert.Equal(t, 200, resp.Code)
	var entities []map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.MsgData, &entities))
	assert.Len(t, entities, 1)
}
