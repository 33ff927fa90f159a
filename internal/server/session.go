package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/corebridge/ha-integration/internal/bridgeerr"
	"github.com/corebridge/ha-integration/internal/haclient"
	"github.com/corebridge/ha-integration/internal/mapper"
	"github.com/corebridge/ha-integration/internal/metadata"
	"github.com/corebridge/ha-integration/internal/model"
	"github.com/corebridge/ha-integration/internal/setup"
	"github.com/corebridge/ha-integration/internal/store"
)

// Dialect names the Core-facing wire framing (spec §4.5 "Two wire
// dialects"). Only the DialectCoreAPI framing is implemented: every session
// is created with it, and nothing selects DialectHAComponent.
type Dialect string

const (
	DialectCoreAPI     Dialect = "core_api"
	DialectHAComponent Dialect = "ha_component"
)

// session is one accepted Core connection: its subscription set, auth
// state, and dispatch loop (spec §3 "Core Session").
type session struct {
	id      uuid.UUID
	dialect Dialect

	conn    *websocket.Conn
	writeMu sync.Mutex

	logger *logrus.Entry
	deps   *Deps

	authOK bool

	subMu       sync.RWMutex
	subAll      bool
	subEntities map[string]struct{}

	storeSubID int
	storeCh    <-chan store.Delta

	pongDeadline time.Duration

	setupMachine *setup.Machine

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Deps bundles the shared handles every session's dispatcher needs.
type Deps struct {
	Logger        *logrus.Logger
	Store         *store.Store
	HAClient      *haclient.Client
	AppVersion    string
	Auth          *TokenAuth
	NewSetup      func() *setup.Machine
	HeartbeatIn   time.Duration
	PongTimeout   time.Duration
	OnDeviceState func(state string)
}

func newSession(conn *websocket.Conn, deps *Deps) *session {
	id := uuid.New()
	s := &session{
		id:           id,
		dialect:      DialectCoreAPI,
		conn:         conn,
		logger:       deps.Logger.WithField("session", id.String()),
		deps:         deps,
		authOK:       deps.Auth == nil || !deps.Auth.Required(),
		subEntities:  make(map[string]struct{}),
		pongDeadline: deps.PongTimeout,
		closeCh:      make(chan struct{}),
	}
	if deps.NewSetup != nil {
		s.setupMachine = deps.NewSetup()
	}
	return s
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *session) respond(id int64, code int, msg string, data interface{}) {
	raw, _ := json.Marshal(data)
	_ = s.writeJSON(Envelope{Kind: kindResp, ID: id, Msg: msg, Code: code, MsgData: raw})
}

func (s *session) respondErr(id int64, msg string, err error) {
	code := bridgeerr.Code(err)
	s.respond(id, code, msg, map[string]string{"error": err.Error()})
}

// run drives the session: heartbeat, store fan-out, and inbound dispatch.
// It returns when the connection closes.
func (s *session) run(ctx context.Context) {
	s.storeSubID, s.storeCh = s.deps.Store.Subscribe()
	defer s.deps.Store.Unsubscribe(s.storeSubID)
	defer close(s.closeCh)

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongDeadline))
	})
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongDeadline))

	inbound := make(chan Envelope, 16)
	readErr := make(chan error, 1)
	go s.readLoop(inbound, readErr)

	heartbeat := time.NewTicker(s.deps.HeartbeatIn)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if err != nil {
				s.logger.WithError(err).Debug("session closed")
			}
			return
		case env := <-inbound:
			s.dispatch(ctx, env)
		case delta, ok := <-s.storeCh:
			if !ok {
				// The store dropped this subscriber for falling behind.
				s.logger.Warn("session dropped by entity store, closing")
				return
			}
			s.forwardDelta(delta)
		case <-heartbeat.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop(inbound chan<- Envelope, errCh chan<- error) {
	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			errCh <- err
			return
		}
		inbound <- env
	}
}

// forwardDelta turns a store.Delta into an entity_change event if the
// entity is in this session's subscription set (spec §4.5 "Event
// fan-out"). A Full delta always forwards as a full resync marker.
func (s *session) forwardDelta(d store.Delta) {
	s.subMu.RLock()
	_, wanted := s.subEntities[d.EntityID]
	all := s.subAll
	s.subMu.RUnlock()

	if d.Full {
		_ = s.writeJSON(Envelope{Kind: kindEvent, Msg: "entities_resynced"})
		return
	}
	if !all && !wanted {
		return
	}

	entity, ok := s.deps.Store.Get(d.EntityID)
	if !ok {
		return
	}
	changed := make(map[string]interface{}, len(d.ChangedAttributes))
	for _, k := range d.ChangedAttributes {
		if v, ok := entity.Attributes[k]; ok {
			changed[k] = v
		}
	}
	raw, _ := json.Marshal(entityChangeEvent{EntityID: d.EntityID, ChangedAttributes: changed})
	_ = s.writeJSON(Envelope{Kind: kindEvent, Msg: "entity_change", MsgData: raw})
}

// dispatch handles one inbound request frame (spec §4.5 "Request dispatch").
// device_state is the one inbound message that isn't request/response: Core
// reports it as a kindEvent notification (spec §4.6 disconnect_on_standby).
func (s *session) dispatch(ctx context.Context, env Envelope) {
	if env.Kind == kindEvent && env.Msg == "device_state" {
		s.handleDeviceState(env)
		return
	}
	if env.Kind != kindReq {
		return
	}

	if !s.authOK && env.Msg != "auth" {
		s.respond(env.ID, 401, env.Msg, map[string]string{"error": "unauthenticated"})
		return
	}

	switch env.Msg {
	case "auth":
		s.handleAuth(env)
	case "get_driver_version":
		s.respond(env.ID, 200, env.Msg, map[string]string{"version": s.deps.AppVersion})
	case "get_device_state":
		state := "DISCONNECTED"
		if s.deps.HAClient != nil && s.deps.HAClient.State() == haclient.StateSubscribed {
			state = "CONNECTED"
		}
		s.respond(env.ID, 200, env.Msg, map[string]string{"state": state})
	case "get_driver_metadata":
		s.handleDriverMetadata(env)
	case "get_available_entities":
		s.handleAvailableEntities(env)
	case "get_entity_states":
		s.handleEntityStates(env)
	case "subscribe_events":
		s.handleSubscribe(env, true)
	case "unsubscribe_events":
		s.handleSubscribe(env, false)
	case "entity_command":
		s.handleEntityCommand(ctx, env)
	case "setup_driver":
		s.handleSetupDriver(ctx, env)
	case "set_driver_user_data":
		s.handleSetDriverUserData(ctx, env)
	default:
		s.respond(env.ID, 400, env.Msg, map[string]string{"error": fmt.Sprintf("unknown msg %q", env.Msg)})
	}
}

func (s *session) handleAuth(env Envelope) {
	var params struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(env.MsgData, &params)
	if s.deps.Auth == nil || s.deps.Auth.Validate(params.Token) {
		s.authOK = true
		s.respond(env.ID, 200, env.Msg, nil)
		return
	}
	s.respond(env.ID, 401, env.Msg, map[string]string{"error": "invalid token"})
}

// handleDeviceState forwards a Core device_state notification to the
// supervisor (spec §4.6 disconnect_on_standby). It has no response envelope;
// a malformed or unauthenticated one is simply dropped.
func (s *session) handleDeviceState(env Envelope) {
	if !s.authOK || s.deps.OnDeviceState == nil {
		return
	}
	var params deviceStateEvent
	if err := json.Unmarshal(env.MsgData, &params); err != nil {
		s.logger.WithError(err).Debug("malformed device_state event")
		return
	}
	s.deps.OnDeviceState(params.State)
}

func (s *session) handleDriverMetadata(env Envelope) {
	raw, err := metadataLoader(s.deps.AppVersion)
	if err != nil {
		s.respondErr(env.ID, env.Msg, bridgeerr.Wrap(bridgeerr.KindBadRequest, "metadata unavailable", err))
		return
	}
	_ = s.writeJSON(Envelope{Kind: kindResp, ID: env.ID, Msg: env.Msg, Code: 200, MsgData: raw})
}

func (s *session) handleAvailableEntities(env Envelope) {
	entities := s.deps.Store.All()
	type brief struct {
		EntityID    string            `json:"entity_id"`
		DeviceClass model.DeviceClass `json:"device_class"`
		Name        map[string]string `json:"name"`
	}
	out := make([]brief, 0, len(entities))
	for _, e := range entities {
		out = append(out, brief{EntityID: e.EntityID, DeviceClass: e.DeviceClass, Name: e.Name})
	}
	s.respond(env.ID, 200, env.Msg, out)
}

func (s *session) handleEntityStates(env Envelope) {
	var params subscribeParams
	_ = json.Unmarshal(env.MsgData, &params)

	if len(params.EntityIDs) == 0 {
		s.respond(env.ID, 200, env.Msg, s.deps.Store.All())
		return
	}
	out := make([]model.Entity, 0, len(params.EntityIDs))
	for _, id := range params.EntityIDs {
		if e, ok := s.deps.Store.Get(id); ok {
			out = append(out, e)
		}
	}
	s.respond(env.ID, 200, env.Msg, out)
}

func (s *session) handleSubscribe(env Envelope, subscribe bool) {
	var params subscribeParams
	_ = json.Unmarshal(env.MsgData, &params)

	s.subMu.Lock()
	if !subscribe {
		if len(params.EntityIDs) == 0 {
			s.subAll = false
			s.subEntities = make(map[string]struct{})
		} else {
			for _, id := range params.EntityIDs {
				delete(s.subEntities, id)
			}
		}
	} else if len(params.EntityIDs) == 0 {
		s.subAll = true
	} else {
		for _, id := range params.EntityIDs {
			s.subEntities[id] = struct{}{}
		}
	}
	s.subMu.Unlock()

	s.respond(env.ID, 200, env.Msg, nil)
}

func (s *session) handleEntityCommand(ctx context.Context, env Envelope) {
	var params entityCommandParams
	if err := json.Unmarshal(env.MsgData, &params); err != nil {
		s.respondErr(env.ID, env.Msg, bridgeerr.Wrap(bridgeerr.KindBadRequest, "malformed entity_command", err))
		return
	}

	if _, ok := s.deps.Store.Get(params.EntityID); !ok {
		s.respondErr(env.ID, env.Msg, bridgeerr.New(bridgeerr.KindNotFound, "unknown entity_id"))
		return
	}

	call, err := mapper.Encode(model.Command{EntityID: params.EntityID, CmdID: params.CmdID, Params: params.Params})
	if err != nil {
		s.respondErr(env.ID, env.Msg, err)
		return
	}

	if s.deps.HAClient == nil {
		s.respondErr(env.ID, env.Msg, bridgeerr.New(bridgeerr.KindUnavailable, "no HA connection"))
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.deps.HAClient.CallService(cmdCtx, call); err != nil {
		s.respondErr(env.ID, env.Msg, err)
		return
	}
	s.respond(env.ID, 200, env.Msg, nil)
}

func (s *session) handleSetupDriver(ctx context.Context, env Envelope) {
	if s.setupMachine == nil {
		s.respondErr(env.ID, env.Msg, bridgeerr.New(bridgeerr.KindUnavailable, "setup not available"))
		return
	}
	var params setupDriverParams
	_ = json.Unmarshal(env.MsgData, &params)
	s.setupMachine.Start(params.Reconfigure)
	s.respond(env.ID, 200, env.Msg, map[string]string{"state": string(s.setupMachine.Phase())})
}

func (s *session) handleSetDriverUserData(ctx context.Context, env Envelope) {
	if s.setupMachine == nil {
		s.respondErr(env.ID, env.Msg, bridgeerr.New(bridgeerr.KindUnavailable, "setup not available"))
		return
	}
	var params setDriverUserDataParams
	if err := json.Unmarshal(env.MsgData, &params); err != nil {
		s.respondErr(env.ID, env.Msg, bridgeerr.Wrap(bridgeerr.KindBadRequest, "malformed set_driver_user_data", err))
		return
	}

	reason, err := s.setupMachine.SubmitUserData(ctx, params.InputValues["url"], params.InputValues["token"])
	if err != nil {
		s.respond(env.ID, 422, env.Msg, map[string]string{"error": reason})
		return
	}
	s.respond(env.ID, 200, env.Msg, map[string]string{"state": string(s.setupMachine.Phase())})
}

// metadataLoader is a package variable so tests can stub out the embedded
// driver.json dependency without touching the filesystem.
var metadataLoader = metadata.Load
