// Package model holds the shared data types that cross package boundaries:
// the Core-side Entity, the raw HA snapshot it is derived from, and the
// small value types used by both (spec §3).
package model

import "time"

// DeviceClass is the Core-side entity category.
type DeviceClass string

const (
	DeviceButton         DeviceClass = "button"
	DeviceClimate        DeviceClass = "climate"
	DeviceCover          DeviceClass = "cover"
	DeviceLight          DeviceClass = "light"
	DeviceMediaPlayer    DeviceClass = "media_player"
	DeviceRemote         DeviceClass = "remote"
	DeviceSensor         DeviceClass = "sensor"
	DeviceSwitch         DeviceClass = "switch"
	DeviceVoiceAssistant DeviceClass = "voice_assistant"
)

// State is the normalized Core-side entity state string.
type State string

const (
	StateUnavailable State = "UNAVAILABLE"
	StateUnknown     State = "UNKNOWN"
	StateOn          State = "ON"
	StateOff         State = "OFF"
)

// Feature is an optional capability flag; the legal set depends on
// DeviceClass (spec §3, §6 feature tables).
type Feature string

const (
	FeatureOnOff          Feature = "on_off"
	FeatureToggle         Feature = "toggle"
	FeatureDim            Feature = "dim"
	FeatureColor          Feature = "color"
	FeatureColorTemp      Feature = "color_temperature"
	FeatureOpen           Feature = "open"
	FeatureClose          Feature = "close"
	FeatureStop           Feature = "stop"
	FeaturePosition       Feature = "position"
	FeatureTargetTemp     Feature = "target_temperature"
	FeatureCurrentTemp    Feature = "current_temperature"
	FeatureHVACMode       Feature = "hvac_mode"
	FeatureFanMode        Feature = "fan_mode"
	FeatureOnOffPlayback  Feature = "on_off_playback"
	FeatureVolume         Feature = "volume"
	FeatureMuteToggle     Feature = "mute_toggle"
	FeaturePlayPause      Feature = "play_pause"
	FeatureNext           Feature = "next"
	FeaturePrevious       Feature = "previous"
	FeatureMediaPosition  Feature = "media_position"
	FeatureSelectSource   Feature = "select_source"
	FeatureSelectSoundMode Feature = "select_sound_mode"
	FeatureSendCommand    Feature = "send_command"
	FeaturePress          Feature = "press"
)

// FeatureSet is an unordered set of Feature flags.
type FeatureSet map[Feature]struct{}

// NewFeatureSet builds a FeatureSet from the given flags.
func NewFeatureSet(features ...Feature) FeatureSet {
	fs := make(FeatureSet, len(features))
	for _, f := range features {
		fs[f] = struct{}{}
	}
	return fs
}

// Has reports whether f is present.
func (fs FeatureSet) Has(f Feature) bool {
	_, ok := fs[f]
	return ok
}

// Slice returns the features in unspecified order, for JSON encoding.
func (fs FeatureSet) Slice() []Feature {
	out := make([]Feature, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	return out
}

// Entity is the Core-side, uniform representation of a controllable or
// observable device (spec §3 "Entity (Core view)").
type Entity struct {
	EntityID    string                 `json:"entity_id"`
	DeviceClass DeviceClass            `json:"device_class"`
	Name        map[string]string      `json:"name"`
	Features    FeatureSet             `json:"-"`
	Attributes  map[string]interface{} `json:"attributes"`
	Area        string                 `json:"area,omitempty"`
}

// MarshalFeatures exposes Features as a slice in unspecified order for the wire
// encoder; kept separate from json tags on Entity because FeatureSet is a
// map keyed by value, not a natural JSON shape.
func (e Entity) MarshalFeatures() []Feature {
	return e.Features.Slice()
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries (Entity Store snapshot reads).
func (e Entity) Clone() Entity {
	name := make(map[string]string, len(e.Name))
	for k, v := range e.Name {
		name[k] = v
	}
	attrs := make(map[string]interface{}, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	features := make(FeatureSet, len(e.Features))
	for f := range e.Features {
		features[f] = struct{}{}
	}
	return Entity{
		EntityID:    e.EntityID,
		DeviceClass: e.DeviceClass,
		Name:        name,
		Features:    features,
		Attributes:  attrs,
		Area:        e.Area,
	}
}

// HASnapshot is the raw state Home Assistant reports for one entity, via
// get_states or a state_changed event (spec §3 "HA Entity Snapshot").
type HASnapshot struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Domain returns the HA domain prefix of the entity id ("light" for
// "light.kitchen"). Returns the whole string if there is no '.'.
func (s HASnapshot) Domain() string {
	for i := 0; i < len(s.EntityID); i++ {
		if s.EntityID[i] == '.' {
			return s.EntityID[:i]
		}
	}
	return s.EntityID
}

// ServiceCall is what the Entity Mapper's Encode produces: a fully formed
// HA call_service request (spec §4.1 "Encode").
type ServiceCall struct {
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      ServiceTarget          `json:"target"`
}

// ServiceTarget names the entity a service call applies to.
type ServiceTarget struct {
	EntityID string `json:"entity_id"`
}

// Command is a Core-originated entity_command, decoded from the wire
// envelope (spec §6 "entity_command").
type Command struct {
	EntityID string
	CmdID    string
	Params   map[string]interface{}
}
