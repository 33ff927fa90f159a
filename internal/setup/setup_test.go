package setup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebridge/ha-integration/internal/bridgeerr"
	"github.com/corebridge/ha-integration/internal/config"
)

func TestMachine_SuccessfulProbeCommits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "home-assistant.json")

	var committed config.HAConfig
	m := New(logrus.New(), func(ctx context.Context, cfg config.HAConfig) error {
		return nil
	}, path, func(cfg config.HAConfig) { committed = cfg })

	m.Start(false)
	reason, err := m.SubmitUserData(context.Background(), "ws://ha.local:8123/api/websocket", "tok")
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, PhaseConnected, m.Phase())
	assert.Equal(t, "ws://ha.local:8123/api/websocket", committed.URL)

	loaded, err := config.LoadHAConfig(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "tok", loaded.Token)
}

func TestMachine_AuthFailureStaysRunning(t *testing.T) {
	m := New(logrus.New(), func(ctx context.Context, cfg config.HAConfig) error {
		return bridgeerr.New(bridgeerr.KindAuthFailed, "bad token")
	}, filepath.Join(t.TempDir(), "cfg.json"), nil)

	m.Start(false)
	reason, err := m.SubmitUserData(context.Background(), "ws://ha.local:8123/api/websocket", "bad")
	require.Error(t, err)
	assert.Equal(t, ReasonAuthorizationError, reason)
	assert.Equal(t, PhaseRunning, m.Phase())
}

func TestMachine_InvalidURLStaysWaiting(t *testing.T) {
	m := New(logrus.New(), func(ctx context.Context, cfg config.HAConfig) error {
		t.Fatal("probe should not be called for invalid input")
		return nil
	}, filepath.Join(t.TempDir(), "cfg.json"), nil)

	m.Start(false)
	reason, err := m.SubmitUserData(context.Background(), "not-a-url", "tok")
	require.Error(t, err)
	assert.Equal(t, ReasonConnectionRefused, reason)
	assert.Equal(t, PhaseWaitingUserInput, m.Phase())
}
