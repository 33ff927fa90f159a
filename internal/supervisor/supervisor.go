// Package supervisor wires the bridge's components together and holds the
// process-wide lifecycle handles (spec §4.6).
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/corebridge/ha-integration/internal/config"
	"github.com/corebridge/ha-integration/internal/haclient"
	"github.com/corebridge/ha-integration/internal/mdns"
	"github.com/corebridge/ha-integration/internal/metrics"
	"github.com/corebridge/ha-integration/internal/store"
)

// DeviceState mirrors the Core `device_state` values the supervisor reacts
// to for disconnect_on_standby (spec §4.6).
type DeviceState string

const (
	DeviceStateNormal   DeviceState = "NORMAL"
	DeviceStateStandby  DeviceState = "STANDBY"
)

// fullRefreshSchedule periodically forces the HA Client to reconnect with
// its current config, so the store is rebuilt from a fresh get_states and
// self-heals from any missed or mis-decoded event.
const fullRefreshSchedule = "@every 15m"

// Supervisor holds the swappable HAConfig, the HA Client, the Entity
// Store, and the mDNS/metrics handles (spec §4.6 "Supervisor").
type Supervisor struct {
	logger *logrus.Logger

	mu       sync.Mutex
	haConfig config.HAConfig

	client  *haclient.Client
	store   *store.Store
	metrics *metrics.Collector
	mdns    *mdns.Advertiser
	cron    *cron.Cron

	configPath string

	standby bool
}

// New builds a Supervisor around an already-constructed HA Client and
// Entity Store; it does not start them (call Run).
func New(logger *logrus.Logger, cfg config.HAConfig, configPath string, client *haclient.Client, st *store.Store, m *metrics.Collector) *Supervisor {
	return &Supervisor{
		logger:     logger,
		haConfig:   cfg,
		configPath: configPath,
		client:     client,
		store:      st,
		metrics:    m,
		cron:       cron.New(),
	}
}

// Run consumes HA Client updates into the Entity Store and drives periodic
// full refresh, until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	sv.cron.AddFunc(fullRefreshSchedule, func() { sv.requestFullRefresh(ctx) })
	sv.cron.Start()
	defer sv.cron.Stop()

	states := []string{
		string(haclient.StateDisconnected), string(haclient.StateConnecting),
		string(haclient.StateAuthenticating), string(haclient.StateAuthenticated),
		string(haclient.StateSubscribed), string(haclient.StateClosing),
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sv.metrics != nil {
				sv.metrics.SetConnectionState(states, string(sv.client.State()))
			}
		case upd, ok := <-sv.client.Updates():
			if !ok {
				return
			}
			sv.applyUpdate(upd)
		}
	}
}

func (sv *Supervisor) applyUpdate(upd haclient.Update) {
	if upd.Full != nil {
		sv.store.ApplyFull(upd.Full)
	}
	if upd.Delta != nil {
		sv.store.ApplyDelta(*upd.Delta)
		if sv.metrics != nil {
			sv.metrics.EntityDeltasTotal.Inc()
		}
	}
	if sv.metrics != nil {
		sv.metrics.EntityStoreSize.Set(float64(len(sv.store.All())))
	}
}

func (sv *Supervisor) requestFullRefresh(ctx context.Context) {
	sv.logger.Debug("requesting periodic full state refresh")
	// The HA Client's own subscribe/get_states bootstrap already runs this
	// path on every reconnect; this is a best-effort nudge on a live
	// connection handled the same way a reconnect would be, by asking the
	// client to reconfigure with its current config (harmless no-op swap
	// that forces a fresh get_states bootstrap).
	sv.mu.Lock()
	cfg := sv.haConfig
	sv.mu.Unlock()
	sv.client.Reconfigure(cfg)
}

// Reconfigure is the Setup State Machine's commit hook: swap the config
// atomically and force the HA Client to reconnect with it (spec §4.4,
// §4.6).
func (sv *Supervisor) Reconfigure(cfg config.HAConfig) {
	sv.mu.Lock()
	sv.haConfig = cfg
	sv.mu.Unlock()
	sv.client.Reconfigure(cfg)
	sv.logger.Info("HA configuration committed, reconnecting")
}

// SetDeviceState implements disconnect_on_standby (spec §4.6): on the
// NORMAL->STANDBY edge the HA Client is paused (its active connection, if
// any, is closed and no reconnect is attempted); on the STANDBY->NORMAL edge
// it is resumed. Returns whether this call actually changed the client's
// connect/pause state, for logging/testing.
func (sv *Supervisor) SetDeviceState(state DeviceState) (changed bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if !sv.haConfig.DisconnectOnStandby {
		return false
	}
	wasStandby := sv.standby
	sv.standby = state == DeviceStateStandby
	if sv.standby == wasStandby {
		return false
	}
	sv.client.SetStandby(sv.standby)
	if sv.standby {
		sv.logger.Info("device entered standby, pausing HA connection")
	} else {
		sv.logger.Info("device left standby, resuming HA connection")
	}
	return true
}

// Advertise starts mDNS advertisement. It does not check whether mDNS is
// disabled; the caller decides whether to call it.
func (sv *Supervisor) Advertise(info mdns.ServiceInfo) error {
	a, err := mdns.Advertise(info)
	if err != nil {
		return err
	}
	sv.mdns = a
	return nil
}

// Shutdown tears down mDNS and the HA Client.
func (sv *Supervisor) Shutdown() {
	if sv.mdns != nil {
		sv.mdns.Stop()
	}
	sv.client.Shutdown()
}
