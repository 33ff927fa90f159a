// Package haclient is the HA-facing WebSocket client: authentication,
// request-id correlation, event-subscription bootstrap, heartbeat, and
// reconnect-with-backoff (spec §4.2).
package haclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/corebridge/ha-integration/internal/bridgeerr"
	"github.com/corebridge/ha-integration/internal/config"
	"github.com/corebridge/ha-integration/internal/model"
)

// ConnState is one of the HA Connection States from spec §3.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateAuthenticated  ConnState = "authenticated"
	StateSubscribed     ConnState = "subscribed"
	StateClosing        ConnState = "closing"
)

// authFailedBackoff is the fixed quiet period after auth_invalid (spec
// scenario S5): no reconnect is attempted until it elapses or a new config
// arrives through Reconfigure, whichever comes first. When it elapses
// without a new config, the client reconnects with its current config, so
// a rejected token is retried once every authFailedBackoff.
const authFailedBackoff = 60 * time.Second

// Update is what the client publishes to consumers (the Entity Store):
// either a full-refresh snapshot list (bootstrap or reconnect) or a single
// state_changed delta. Exactly one field is non-nil.
type Update struct {
	Full  []model.HASnapshot
	Delta *model.HASnapshot
}

type serviceCallRequest struct {
	call model.ServiceCall
	resp chan error
}

type pendingRequest struct {
	kind string
	done chan pendingResult
}

type pendingResult struct {
	raw json.RawMessage
	err error
}

func (p *pendingRequest) complete(r pendingResult) {
	select {
	case p.done <- r:
	default:
	}
}

// Client is the single long-lived task maintaining at most one active
// WebSocket connection to HA (spec §4.2).
type Client struct {
	logger *logrus.Logger
	trace  config.TracePolicy

	cfgMu sync.RWMutex
	cfg   config.HAConfig

	updates chan Update
	calls   chan serviceCallRequest

	reconfigureCh chan config.HAConfig
	standbyCh     chan bool
	shutdownCh    chan struct{}
	shutdownOnce  sync.Once

	stateMu sync.RWMutex
	state   ConnState

	// pendingStandby is set by waitOut when a standby signal preempts a
	// backoff/cooldown wait; Run alone reads and clears it.
	pendingStandby bool
}

// NewClient builds a Client around the given initial HAConfig. Run must be
// called to actually connect.
func NewClient(cfg config.HAConfig, trace config.TracePolicy, logger *logrus.Logger) *Client {
	return &Client{
		logger:        logger,
		trace:         trace,
		cfg:           cfg,
		updates:       make(chan Update, 8),
		calls:         make(chan serviceCallRequest),
		reconfigureCh: make(chan config.HAConfig, 1),
		standbyCh:     make(chan bool, 1),
		shutdownCh:    make(chan struct{}),
		state:         StateDisconnected,
	}
}

// Updates returns the channel of decoded HA state (spec §2 data flow: HA
// Client → Entity Mapper/Store).
func (c *Client) Updates() <-chan Update { return c.updates }

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Client) config() config.HAConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Reconfigure atomically replaces the upstream config and forces a
// reconnect, cancelling the in-flight connection (spec §4.2, §4.6).
func (c *Client) Reconfigure(cfg config.HAConfig) {
	select {
	case c.reconfigureCh <- cfg:
	default:
		// A reconfigure is already queued; replace it with the latest.
		select {
		case <-c.reconfigureCh:
		default:
		}
		c.reconfigureCh <- cfg
	}
}

// Shutdown stops the client for good; Run returns once the current
// connection, if any, has unwound.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// SetStandby pauses or resumes the connect/reconnect loop (spec §4.6
// disconnect_on_standby): true closes any active connection and holds Run
// idle until a false arrives; false lets Run resume connecting immediately.
// Unlike Shutdown this is not terminal.
func (c *Client) SetStandby(standby bool) {
	select {
	case c.standbyCh <- standby:
	default:
		select {
		case <-c.standbyCh:
		default:
		}
		c.standbyCh <- standby
	}
}

// CallService submits a service call to HA and waits for the result, or for
// ctx to be cancelled (spec §4.2 "Service calls").
func (c *Client) CallService(ctx context.Context, call model.ServiceCall) error {
	req := serviceCallRequest{call: call, resp: make(chan error, 1)}
	select {
	case c.calls <- req:
	case <-ctx.Done():
		return bridgeerr.Wrap(bridgeerr.KindCancelled, "call_service not accepted", ctx.Err())
	case <-c.shutdownCh:
		return bridgeerr.New(bridgeerr.KindCancelled, "client shut down")
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return bridgeerr.Wrap(bridgeerr.KindCancelled, "call_service cancelled", ctx.Err())
	}
}

// Run drives the connect / reconnect loop until ctx is cancelled or
// Shutdown is called.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	var authBlockedUntil time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownCh:
			return
		case standby := <-c.standbyCh:
			if standby {
				if !c.enterStandby(ctx) {
					return
				}
				attempt = 0
			}
			continue
		default:
		}

		if !authBlockedUntil.IsZero() {
			if !c.waitOut(ctx, time.Until(authBlockedUntil)) {
				return
			}
			authBlockedUntil = time.Time{}
			if c.pendingStandby {
				c.pendingStandby = false
				if !c.enterStandby(ctx) {
					return
				}
				attempt = 0
				continue
			}
		}

		reason := c.runConnection(ctx)
		c.setState(StateDisconnected)

		switch reason {
		case reasonShutdown:
			return
		case reasonStandby:
			if !c.enterStandby(ctx) {
				return
			}
			attempt = 0
			continue
		case reasonAuthFailed:
			c.logger.Warn("HA authentication rejected, holding off reconnect")
			authBlockedUntil = time.Now().Add(authFailedBackoff)
			attempt = 0
			continue
		case reasonReconfigured:
			attempt = 0
			continue
		default:
			delay := c.config().ReconnectPolicy.Delay(attempt, jitter)
			attempt++
			c.logger.WithField("delay", delay).Info("HA disconnected, scheduling reconnect")
			if !c.waitOut(ctx, delay) {
				return
			}
			if c.pendingStandby {
				c.pendingStandby = false
				if !c.enterStandby(ctx) {
					return
				}
				attempt = 0
			}
		}
	}
}

// enterStandby blocks until a resume (standby=false) arrives, or until
// shutdown/ctx cancellation; it holds the connect loop idle so no dial is
// attempted while the Core reports STANDBY (spec §4.6 disconnect_on_standby).
func (c *Client) enterStandby(ctx context.Context) bool {
	c.setState(StateDisconnected)
	c.logger.Info("entering standby, HA connection paused")
	for {
		select {
		case standby := <-c.standbyCh:
			if !standby {
				c.logger.Info("leaving standby, resuming HA connection")
				return true
			}
		case <-ctx.Done():
			return false
		case <-c.shutdownCh:
			return false
		}
	}
}

// waitOut blocks for d or until shutdown/ctx cancellation/reconfigure
// arrives early; returns false if Run should stop entirely. A reconfigure
// that arrives during the wait is applied immediately so the reconnect that
// follows (e.g. out of the S5 auth-failure cooldown) uses the new config
// instead of the stale one that triggered the wait.
func (c *Client) waitOut(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case newCfg := <-c.reconfigureCh:
		c.cfgMu.Lock()
		c.cfg = newCfg
		c.cfgMu.Unlock()
		return true
	case standby := <-c.standbyCh:
		c.pendingStandby = standby
		return true
	case <-ctx.Done():
		return false
	case <-c.shutdownCh:
		return false
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

type disconnectReason int

const (
	reasonNetwork disconnectReason = iota
	reasonAuthFailed
	reasonReconfigured
	reasonShutdown
	reasonProtocolError
	reasonStandby
)

// runConnection owns exactly one WebSocket connection end to end: dial,
// authenticate, bootstrap subscription, then serve frames/commands/
// heartbeat until something ends the connection.
func (c *Client) runConnection(ctx context.Context) disconnectReason {
	cfg := c.config()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectionTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.DisableCertValidate}, //nolint:gosec
	}
	dialCtx, dialCancel := context.WithTimeout(connCtx, cfg.ConnectionTimeout)
	conn, _, err := dialer.DialContext(dialCtx, cfg.URL, nil)
	dialCancel()
	if err != nil {
		c.logger.WithError(err).Warn("HA dial failed")
		return reasonNetwork
	}
	defer conn.Close()
	if cfg.MaxFrameSize > 0 {
		conn.SetReadLimit(cfg.MaxFrameSize)
	}

	frames := make(chan inboundFrame, 32)
	readErr := make(chan error, 1)
	go c.readLoop(conn, frames, readErr)

	c.setState(StateAuthenticating)
	if reason, ok := c.authenticate(connCtx, conn, frames, cfg); !ok {
		return reason
	}
	c.setState(StateAuthenticated)

	pending := map[int64]*pendingRequest{}
	var nextID int64
	timeouts := make(chan int64, 16)

	register := func(kind string, timeout time.Duration) (int64, chan pendingResult) {
		nextID++
		id := nextID
		done := make(chan pendingResult, 1)
		pending[id] = &pendingRequest{kind: kind, done: done}
		if timeout > 0 {
			time.AfterFunc(timeout, func() {
				select {
				case timeouts <- id:
				default:
				}
			})
		}
		return id, done
	}

	write := func(v interface{}) error {
		if c.trace.LogsOut() {
			c.logger.WithField("frame", v).Debug("-> HA")
		}
		return conn.WriteJSON(v)
	}

	subID, _ := register("subscribe_events", cfg.RequestTimeout)
	if err := write(subscribeEventsMessage{ID: subID, Type: "subscribe_events", EventType: "state_changed"}); err != nil {
		return reasonNetwork
	}

	statesID, _ := register("get_states", cfg.RequestTimeout)
	if err := write(getStatesMessage{ID: statesID, Type: "get_states"}); err != nil {
		return reasonNetwork
	}

	c.setState(StateSubscribed)

	heartbeat := time.NewTicker(cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	cancelPending := func(kind bridgeerr.Kind, msg string) {
		for id, pr := range pending {
			pr.complete(pendingResult{err: bridgeerr.New(kind, msg)})
			delete(pending, id)
		}
	}

	for {
		select {
		case <-ctx.Done():
			cancelPending(bridgeerr.KindCancelled, "shutting down")
			return reasonShutdown

		case <-c.shutdownCh:
			cancelPending(bridgeerr.KindCancelled, "shutting down")
			return reasonShutdown

		case newCfg := <-c.reconfigureCh:
			c.cfgMu.Lock()
			c.cfg = newCfg
			c.cfgMu.Unlock()
			cancelPending(bridgeerr.KindCancelled, "reconfigured")
			return reasonReconfigured

		case standby := <-c.standbyCh:
			if standby {
				cancelPending(bridgeerr.KindCancelled, "entering standby")
				return reasonStandby
			}

		case err := <-readErr:
			c.logger.WithError(err).Info("HA connection closed")
			cancelPending(bridgeerr.KindUnavailable, "HA connection lost")
			return reasonNetwork

		case id := <-timeouts:
			pr, ok := pending[id]
			if !ok {
				continue
			}
			delete(pending, id)
			pr.complete(pendingResult{err: bridgeerr.New(bridgeerr.KindTimeout, fmt.Sprintf("request %d timed out", id))})
			if pr.kind == "ping" {
				c.logger.Warn("HA heartbeat timeout")
				cancelPending(bridgeerr.KindProtocolError, "heartbeat timeout")
				return reasonNetwork
			}

		case <-heartbeat.C:
			id, _ := register("ping", cfg.RequestTimeout)
			if err := write(pingMessage{ID: id, Type: "ping"}); err != nil {
				return reasonNetwork
			}

		case req := <-c.calls:
			id, done := register("call_service", cfg.RequestTimeout)
			msg := callServiceMessage{
				ID:          id,
				Type:        "call_service",
				Domain:      req.call.Domain,
				Service:     req.call.Service,
				ServiceData: req.call.ServiceData,
				Target:      req.call.Target,
			}
			if err := write(msg); err != nil {
				req.resp <- bridgeerr.Wrap(bridgeerr.KindUnavailable, "failed to send call_service", err)
				delete(pending, id)
				return reasonNetwork
			}
			go func(resp chan error, done chan pendingResult) {
				r := <-done
				resp <- r.err
			}(req.resp, done)

		case frame := <-frames:
			if c.trace.LogsIn() {
				c.logger.WithField("frame", frame).Debug("<- HA")
			}
			if reason, ok := c.handleFrame(connCtx, frame, pending); !ok {
				cancelPending(bridgeerr.KindProtocolError, "protocol violation")
				return reason
			}
		}
	}
}

// handleFrame dispatches one decoded HA frame by id/type (spec §4.2
// "Request-id correlation"). A result/pong carrying an id this connection
// never registered is a protocol violation — HA's wire contract guarantees
// ids round-trip exactly what was sent — so the caller closes the
// connection instead of silently pressing on with a corrupted view of the
// pending table.
func (c *Client) handleFrame(ctx context.Context, frame inboundFrame, pending map[int64]*pendingRequest) (disconnectReason, bool) {
	switch frame.Type {
	case "pong":
		pr, ok := pending[frame.ID]
		if !ok {
			c.logger.WithField("id", frame.ID).Warn("HA pong for unknown request id, closing connection")
			return reasonProtocolError, false
		}
		delete(pending, frame.ID)
		pr.complete(pendingResult{})
	case "result":
		pr, ok := pending[frame.ID]
		if !ok {
			c.logger.WithField("id", frame.ID).Warn("HA result for unknown request id, closing connection")
			return reasonProtocolError, false
		}
		delete(pending, frame.ID)
		success := frame.Success != nil && *frame.Success
		if !success {
			msg := "service call failed"
			if frame.Error != nil {
				msg = frame.Error.Message
			}
			pr.complete(pendingResult{err: bridgeerr.New(bridgeerr.KindServiceCallFailed, msg)})
			return 0, true
		}
		if pr.kind == "get_states" {
			var snaps []model.HASnapshot
			if err := json.Unmarshal(frame.Result, &snaps); err != nil {
				c.logger.WithError(err).Warn("failed to decode get_states result")
			} else {
				c.publish(ctx, Update{Full: snaps})
			}
		}
		pr.complete(pendingResult{raw: frame.Result})
	case "event":
		if frame.Event == nil || frame.Event.EventType != "state_changed" {
			return 0, true
		}
		if frame.Event.Data.NewState == nil {
			return 0, true
		}
		c.publish(ctx, Update{Delta: frame.Event.Data.NewState})
	default:
		c.logger.WithField("type", frame.Type).Debug("unhandled HA frame type")
	}
	return 0, true
}

func (c *Client) publish(ctx context.Context, u Update) {
	select {
	case c.updates <- u:
	case <-ctx.Done():
	}
}

// authenticate performs the auth_required / auth / auth_ok|auth_invalid
// handshake (spec §4.2 state table, Authenticating rows).
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn, frames <-chan inboundFrame, cfg config.HAConfig) (disconnectReason, bool) {
	var required inboundFrame
	select {
	case required = <-frames:
	case <-ctx.Done():
		return reasonShutdown, false
	case <-time.After(cfg.ConnectionTimeout):
		return reasonNetwork, false
	}
	if required.Type != "auth_required" {
		c.logger.WithField("type", required.Type).Warn("expected auth_required from HA")
		return reasonNetwork, false
	}

	if err := conn.WriteJSON(authMessage{Type: "auth", AccessToken: cfg.Token}); err != nil {
		return reasonNetwork, false
	}

	var resp inboundFrame
	select {
	case resp = <-frames:
	case <-ctx.Done():
		return reasonShutdown, false
	case <-time.After(cfg.ConnectionTimeout):
		return reasonNetwork, false
	}

	switch resp.Type {
	case "auth_ok":
		return 0, true
	case "auth_invalid":
		return reasonAuthFailed, false
	default:
		c.logger.WithField("type", resp.Type).Warn("unexpected auth response from HA")
		return reasonNetwork, false
	}
}

// readLoop is the sole reader of conn; every frame is handed to the main
// connection loop over frames, preserving receipt order (spec §5 ordering
// guarantee (a)).
func (c *Client) readLoop(conn *websocket.Conn, frames chan<- inboundFrame, errCh chan<- error) {
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			errCh <- err
			return
		}
		frames <- frame
	}
}
