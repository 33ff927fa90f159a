// Package config loads the bridge's ambient configuration (listen
// addresses, config directory, frame tracing policy, mDNS toggle) from
// environment variables via viper, and loads/persists the HA upstream
// configuration (HAConfig) as the single JSON file the setup flow commits
// to.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TracePolicy controls which direction of frame traffic gets logged at
// debug level. Values mirror UC_API_MSG_TRACING / UC_HASS_MSG_TRACING.
type TracePolicy string

const (
	TraceNone TracePolicy = "none"
	TraceIn   TracePolicy = "in"
	TraceOut  TracePolicy = "out"
	TraceAll  TracePolicy = "all"
)

func (p TracePolicy) LogsIn() bool  { return p == TraceIn || p == TraceAll }
func (p TracePolicy) LogsOut() bool { return p == TraceOut || p == TraceAll }

// Config is the process-wide ambient configuration. It has no knowledge of
// the HA upstream — that lives in HAConfig, loaded/saved separately because
// it is mutable at runtime via the setup flow.
type Config struct {
	ConfigHome       string      `mapstructure:"config_home"`
	UserCfgFilename  string      `mapstructure:"user_cfg_filename"`
	ListenAddr       string      `mapstructure:"listen_addr"`
	ListenAddrTLS    string      `mapstructure:"listen_addr_tls"`
	DisableMDNS      bool        `mapstructure:"disable_mdns_publish"`
	APITracing       TracePolicy `mapstructure:"api_msg_tracing"`
	HassTracing      TracePolicy `mapstructure:"hass_msg_tracing"`
	StaticHAURL      string      `mapstructure:"hass_url"`
	StaticHAToken    string      `mapstructure:"hass_token"`
	DisableCertCheck bool        `mapstructure:"disable_cert_verification"`
}

// ConfigFilePath returns the path to the persisted HAConfig JSON file.
func (c *Config) ConfigFilePath() string {
	return filepath.Join(c.ConfigHome, c.UserCfgFilename)
}

func setDefaults() {
	viper.SetDefault("config_home", ".")
	viper.SetDefault("user_cfg_filename", "home-assistant.json")
	viper.SetDefault("listen_addr", ":8000")
	viper.SetDefault("listen_addr_tls", ":9443")
	viper.SetDefault("disable_mdns_publish", false)
	viper.SetDefault("api_msg_tracing", string(TraceNone))
	viper.SetDefault("hass_msg_tracing", string(TraceNone))
	viper.SetDefault("disable_cert_verification", false)
}

// Load reads ambient configuration from UC_-prefixed environment variables.
//
// Per spec, only config keys that do NOT themselves contain an underscore
// are eligible for the generic "UC_<FIELD>" auto-binding; fields whose name
// already has an underscore (disable_mdns_publish, user_cfg_filename, ...)
// require one of the explicitly named variables below, since a generic
// replacer cannot unambiguously invert "UC_DISABLE_MDNS_PUBLISH" back into
// "disable.mdns.publish" vs "disable_mdns.publish" etc.
func Load() (*Config, error) {
	viper.SetEnvPrefix("UC")
	setDefaults()

	// Explicit bindings for the documented UC_ environment variables (§6).
	viper.BindEnv("config_home", "UC_CONFIG_HOME")
	viper.BindEnv("disable_mdns_publish", "UC_DISABLE_MDNS_PUBLISH")
	viper.BindEnv("user_cfg_filename", "UC_USER_CFG_FILENAME")
	viper.BindEnv("disable_cert_verification", "UC_DISABLE_CERT_VERIFICATION")
	viper.BindEnv("api_msg_tracing", "UC_API_MSG_TRACING")
	viper.BindEnv("hass_msg_tracing", "UC_HASS_MSG_TRACING")
	viper.BindEnv("hass_url", "UC_HASS_URL")
	viper.BindEnv("hass_token", "UC_HASS_TOKEN")
	viper.BindEnv("listen_addr", "UC_INTEGRATION_INTERFACE")

	// Generic auto-binding only for underscore-free keys (there are none
	// left beyond the explicit list above in this schema, but new
	// single-word keys added later pick this up for free).
	for _, key := range viper.AllKeys() {
		if !strings.Contains(key, "_") {
			viper.BindEnv(key, "UC_"+strings.ToUpper(key))
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal ambient config: %w", err)
	}

	if cfg.ConfigHome == "" {
		cfg.ConfigHome = "."
	}
	if err := os.MkdirAll(cfg.ConfigHome, 0o755); err != nil {
		return nil, fmt.Errorf("create config home %q: %w", cfg.ConfigHome, err)
	}

	return cfg, nil
}

// ReconnectPolicy is the exponential-backoff-with-jitter schedule the HA
// Client uses between reconnect attempts (spec §4.2, §9).
type ReconnectPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	// JitterFraction is the fraction of the computed delay added as
	// uniform random jitter, e.g. 0.2 for ±20%.
	JitterFraction float64 `json:"jitter_fraction"`
}

// DefaultReconnectPolicy implements the defaults chosen in spec §9: a 30s
// cap with ±20% jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Delay computes the backoff before reconnect attempt n (0-based): an
// exponential ramp capped at MaxDelay, with uniform jitter of ±JitterFraction
// applied here. The caller supplies the random source as jitter, which is
// given 2*span and should return a value in [0, 2*span], so tests can drive
// it deterministically.
func (p ReconnectPolicy) Delay(attempt int, jitter func(max time.Duration) time.Duration) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	base := time.Duration(d)
	if base > p.MaxDelay {
		base = p.MaxDelay
	}
	if base < 0 {
		base = p.MaxDelay
	}
	if jitter == nil || p.JitterFraction <= 0 {
		return base
	}
	span := time.Duration(float64(base) * p.JitterFraction)
	// jitter in [-span, span]
	return base - span + jitter(2*span)
}

// HAConfig is the persisted configuration of the upstream HA connection
// (spec §3). It is immutable after setup commit and replaced wholesale on
// reconfiguration.
type HAConfig struct {
	URL                 string          `json:"url"`
	Token               string          `json:"token"`
	ConnectionTimeout   time.Duration   `json:"connection_timeout"`
	RequestTimeout      time.Duration   `json:"request_timeout"`
	MaxFrameSize        int64           `json:"max_frame_size"`
	ReconnectPolicy     ReconnectPolicy `json:"reconnect_policy"`
	HeartbeatInterval   time.Duration   `json:"heartbeat_interval"`
	DisableCertValidate bool            `json:"disable_cert_validation"`
	DisconnectOnStandby bool            `json:"disconnect_on_standby"`
}

// DefaultHAConfig returns the defaults applied before a user-provided
// HAConfig's zero-valued fields are used.
func DefaultHAConfig() HAConfig {
	return HAConfig{
		ConnectionTimeout: 10 * time.Second,
		RequestTimeout:    10 * time.Second,
		MaxFrameSize:      4 << 20, // 4 MiB
		ReconnectPolicy:   DefaultReconnectPolicy(),
		HeartbeatInterval: 30 * time.Second,
	}
}

// Validate checks the invariants the setup flow enforces before probing HA:
// URL parses as ws/wss and token is non-empty.
func (c HAConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("token must not be empty")
	}
	return nil
}

// LoadHAConfig reads the persisted HAConfig from path. A missing file is
// not an error; it signals "no configuration yet" via (nil, nil).
func LoadHAConfig(path string) (*HAConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read HA config %q: %w", path, err)
	}
	var cfg HAConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse HA config %q: %w", path, err)
	}
	return &cfg, nil
}

// SaveHAConfig writes cfg to path atomically (write-then-rename), matching
// the setup flow's "commit config" step.
func SaveHAConfig(path string, cfg HAConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal HA config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write HA config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit HA config: %w", err)
	}
	return nil
}

// ApplyStaticOverride applies UC_HASS_URL / UC_HASS_TOKEN onto an existing
// or zero-valued HAConfig, used when the environment pins a fixed upstream
// and the setup flow should not be required.
func (c *Config) ApplyStaticOverride(ha *HAConfig) bool {
	changed := false
	if c.StaticHAURL != "" && ha.URL != c.StaticHAURL {
		ha.URL = c.StaticHAURL
		changed = true
	}
	if c.StaticHAToken != "" && ha.Token != c.StaticHAToken {
		ha.Token = c.StaticHAToken
		changed = true
	}
	return changed
}
