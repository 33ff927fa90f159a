// Package setup drives the multi-step driver-setup handshake initiated by
// Core (spec §4.4).
package setup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebridge/ha-integration/internal/bridgeerr"
	"github.com/corebridge/ha-integration/internal/config"
)

// Phase is one of the Setup Flow States (spec §3).
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseRunning             Phase = "running"
	PhaseWaitingUserInput    Phase = "waiting_user_input"
	PhaseReconfiguring       Phase = "reconfiguring"
	PhaseConnected           Phase = "connected"
	PhaseFailed              Phase = "failed"
)

// Outcome codes surfaced to Core on probe failure (spec §4.4).
const (
	ReasonAuthorizationError = "AUTHORIZATION_ERROR"
	ReasonConnectionRefused  = "CONNECTION_REFUSED"
	ReasonTimeout            = "TIMEOUT"
)

// probeDeadline is the "~10 s" HA probe-connection deadline spec §4.4
// names.
const probeDeadline = 10 * time.Second

// Prober establishes a short-lived connection to HA with the candidate
// config and reports success or a typed failure. haclient.Client's
// connection logic is reused for this by the caller wiring Prober to a
// throwaway client; Prober is the seam that lets setup stay free of a
// haclient import cycle.
type Prober func(ctx context.Context, cfg config.HAConfig) error

// Machine is the Setup State Machine. It is not safe for concurrent use
// by more than one Core session at a time, matching the single
// driver-setup handshake spec §4.4 describes.
type Machine struct {
	logger *logrus.Logger
	probe  Prober

	configPath string
	onCommit   func(config.HAConfig)

	phase   Phase
	partial config.HAConfig
}

// New builds a Machine. onCommit is invoked after a successful probe and
// persisted commit, to instruct the HA Client to adopt the new config.
func New(logger *logrus.Logger, probe Prober, configPath string, onCommit func(config.HAConfig)) *Machine {
	return &Machine{logger: logger, probe: probe, configPath: configPath, onCommit: onCommit, phase: PhaseIdle}
}

// Phase returns the current state.
func (m *Machine) Phase() Phase { return m.phase }

// Start begins the handshake (Core's DriverSetupRequest), recording
// whether this is a fresh setup or a reconfiguration of an existing one.
func (m *Machine) Start(reconfigure bool) {
	if reconfigure {
		m.phase = PhaseReconfiguring
	} else {
		m.phase = PhaseRunning
	}
	m.partial = config.DefaultHAConfig()
}

// SubmitUserData merges the user-supplied fields, validates them, and
// attempts the HA probe connection. It returns the outcome reason on
// failure (empty string on success).
func (m *Machine) SubmitUserData(ctx context.Context, url, token string) (reason string, err error) {
	m.partial.URL = url
	m.partial.Token = token

	if verr := m.partial.Validate(); verr != nil {
		m.phase = PhaseWaitingUserInput
		return ReasonConnectionRefused, verr
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	if perr := m.probe(probeCtx, m.partial); perr != nil {
		if kind, ok := bridgeerr.KindOf(perr); ok && kind == bridgeerr.KindAuthFailed {
			m.phase = PhaseRunning
			return ReasonAuthorizationError, perr
		}
		if probeCtx.Err() != nil {
			m.phase = PhaseRunning
			return ReasonTimeout, perr
		}
		m.phase = PhaseRunning
		return ReasonConnectionRefused, perr
	}

	if serr := config.SaveHAConfig(m.configPath, m.partial); serr != nil {
		m.phase = PhaseFailed
		return ReasonConnectionRefused, serr
	}

	m.phase = PhaseConnected
	if m.onCommit != nil {
		m.onCommit(m.partial)
	}
	return "", nil
}
