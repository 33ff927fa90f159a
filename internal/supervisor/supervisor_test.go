package supervisor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/corebridge/ha-integration/internal/config"
	"github.com/corebridge/ha-integration/internal/haclient"
	"github.com/corebridge/ha-integration/internal/model"
	"github.com/corebridge/ha-integration/internal/store"
)

func newTestSupervisor() *Supervisor {
	cfg := config.DefaultHAConfig()
	cfg.URL = "ws://127.0.0.1:1"
	cfg.Token = "t"
	client := haclient.NewClient(cfg, config.TraceNone, logrus.New())
	st := store.New()
	return New(logrus.New(), cfg, "/tmp/does-not-matter.json", client, st, nil)
}

func TestSupervisor_ApplyUpdateFull(t *testing.T) {
	sv := newTestSupervisor()
	sv.applyUpdate(haclient.Update{Full: []model.HASnapshot{
		{EntityID: "light.kitchen", State: "on", Attributes: map[string]interface{}{}},
	}})
	assert.Len(t, sv.store.All(), 1)
}

func TestSupervisor_SetDeviceStateStandby(t *testing.T) {
	sv := newTestSupervisor()
	sv.haConfig.DisconnectOnStandby = true

	assert.False(t, sv.SetDeviceState(DeviceStateNormal))
	assert.True(t, sv.SetDeviceState(DeviceStateStandby))
	assert.False(t, sv.SetDeviceState(DeviceStateStandby), "no edge on repeated standby")
	assert.True(t, sv.SetDeviceState(DeviceStateNormal), "STANDBY->NORMAL is an edge")
}

func TestSupervisor_SetDeviceStateIgnoredWhenDisabled(t *testing.T) {
	sv := newTestSupervisor()
	assert.False(t, sv.SetDeviceState(DeviceStateStandby))
}

func TestSupervisor_Reconfigure(t *testing.T) {
	sv := newTestSupervisor()
	newCfg := config.DefaultHAConfig()
	newCfg.URL = "ws://127.0.0.1:2"
	newCfg.Token = "new"

	done := make(chan struct{})
	go func() {
		sv.Reconfigure(newCfg)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Reconfigure did not return")
	}

	sv.mu.Lock()
	got := sv.haConfig
	sv.mu.Unlock()
	assert.Equal(t, "new", got.Token)
}
