package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHAConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     HAConfig
		wantErr bool
	}{
		{"valid ws", HAConfig{URL: "ws://ha.local:8123/api/websocket", Token: "t"}, false},
		{"valid wss", HAConfig{URL: "wss://ha.local:8123/api/websocket", Token: "t"}, false},
		{"bad scheme", HAConfig{URL: "http://ha.local", Token: "t"}, true},
		{"empty token", HAConfig{URL: "ws://ha.local", Token: "  "}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveAndLoadHAConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "home-assistant.json")

	cfg := DefaultHAConfig()
	cfg.URL = "wss://ha.local/api/websocket"
	cfg.Token = "secret"
	cfg.DisconnectOnStandby = true

	require.NoError(t, SaveHAConfig(path, cfg))

	loaded, err := LoadHAConfig(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cfg.URL, loaded.URL)
	assert.Equal(t, cfg.Token, loaded.Token)
	assert.True(t, loaded.DisconnectOnStandby)
	assert.Equal(t, cfg.ReconnectPolicy, loaded.ReconnectPolicy)
}

func TestLoadHAConfigMissingFileIsNilNil(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadHAConfig(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestApplyStaticOverride(t *testing.T) {
	cfg := &Config{StaticHAURL: "ws://static.local", StaticHAToken: "static-token"}
	ha := DefaultHAConfig()

	changed := cfg.ApplyStaticOverride(&ha)
	assert.True(t, changed)
	assert.Equal(t, "ws://static.local", ha.URL)
	assert.Equal(t, "static-token", ha.Token)

	changed = cfg.ApplyStaticOverride(&ha)
	assert.False(t, changed, "no-op when already applied")
}

func TestApplyStaticOverrideNoOpWhenUnset(t *testing.T) {
	cfg := &Config{}
	ha := DefaultHAConfig()
	ha.URL = "ws://existing"
	changed := cfg.ApplyStaticOverride(&ha)
	assert.False(t, changed)
	assert.Equal(t, "ws://existing", ha.URL)
}

func TestReconnectPolicyDelayRampsAndCaps(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0}

	noJitter := func(max time.Duration) time.Duration { return max / 2 }

	assert.Equal(t, time.Second, p.Delay(0, nil))
	assert.Equal(t, 2*time.Second, p.Delay(1, nil))
	assert.Equal(t, 4*time.Second, p.Delay(2, nil))
	assert.Equal(t, 8*time.Second, p.Delay(3, nil))
	assert.Equal(t, p.MaxDelay, p.Delay(10, nil), "ramp caps at MaxDelay")
	assert.Equal(t, time.Second, p.Delay(0, noJitter), "zero jitter fraction ignores the jitter func")
}

func TestReconnectPolicyDelayAppliesJitterWithinSpan(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, JitterFraction: 0.2}

	for _, frac := range []float64{0, 0.5, 1} {
		jitter := func(max time.Duration) time.Duration { return time.Duration(float64(max) * frac) }
		d := p.Delay(0, jitter)
		span := time.Duration(float64(time.Second) * 0.2)
		assert.GreaterOrEqual(t, d, time.Second-span)
		assert.LessOrEqual(t, d, time.Second+span)
	}
}

func TestDefaultHAConfigFields(t *testing.T) {
	cfg := DefaultHAConfig()
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, int64(4<<20), cfg.MaxFrameSize)
	assert.False(t, cfg.DisconnectOnStandby)
}

func TestConfigFilePath(t *testing.T) {
	cfg := &Config{ConfigHome: "/etc/bridge", UserCfgFilename: "home-assistant.json"}
	assert.Equal(t, filepath.Join("/etc/bridge", "home-assistant.json"), cfg.ConfigFilePath())
}

func TestTracePolicyDirections(t *testing.T) {
	assert.True(t, TraceIn.LogsIn())
	assert.False(t, TraceIn.LogsOut())
	assert.True(t, TraceOut.LogsOut())
	assert.False(t, TraceOut.LogsIn())
	assert.True(t, TraceAll.LogsIn())
	assert.True(t, TraceAll.LogsOut())
	assert.False(t, TraceNone.LogsIn())
	assert.False(t, TraceNone.LogsOut())
}
