// Package mapper implements the stateless, bidirectional translation
// between Home Assistant entity snapshots / service calls and the uniform
// Core entity model (spec §4.1).
package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/corebridge/ha-integration/internal/bridgeerr"
	"github.com/corebridge/ha-integration/internal/model"
)

// domainToDeviceClass is the HA-domain → Core-device-class table from
// spec §4.1 "Domain mapping". Domains not present here decode to nothing.
var domainToDeviceClass = map[string]model.DeviceClass{
	"light":            model.DeviceLight,
	"switch":           model.DeviceSwitch,
	"input_boolean":    model.DeviceSwitch,
	"cover":            model.DeviceCover,
	"climate":          model.DeviceClimate,
	"media_player":     model.DeviceMediaPlayer,
	"remote":           model.DeviceRemote,
	"button":           model.DeviceButton,
	"input_button":     model.DeviceButton,
	"script":           model.DeviceButton,
	"scene":            model.DeviceButton,
	"sensor":           model.DeviceSensor,
	"binary_sensor":    model.DeviceSensor,
	"assist_satellite": model.DeviceVoiceAssistant,
}

// Decode translates an HA snapshot into a Core Entity. The second return
// value is false when the HA domain has no Core representation.
func Decode(snap model.HASnapshot) (model.Entity, bool) {
	domain := snap.Domain()
	class, ok := domainToDeviceClass[domain]
	if !ok {
		return model.Entity{}, false
	}

	e := model.Entity{
		EntityID:    snap.EntityID,
		DeviceClass: class,
		Name:        map[string]string{"en": friendlyName(snap)},
		Attributes:  map[string]interface{}{},
	}

	switch domain {
	case "light":
		decodeLight(snap, &e)
	case "switch", "input_boolean":
		e.Features = featuresForSwitch()
		e.Attributes["state"] = string(normalizeOnOff(snap.State))
	case "cover":
		decodeCover(snap, &e)
	case "climate":
		decodeClimate(snap, &e)
	case "media_player":
		decodeMediaPlayer(snap, &e)
	case "remote":
		e.Features = featuresForRemote(asInt64(snap.Attributes["supported_features"]))
		e.Attributes["state"] = string(normalizeOnOff(snap.State))
	case "button", "input_button", "script", "scene":
		e.Features = featuresForButton()
	case "sensor":
		decodeSensor(snap, &e, "")
	case "binary_sensor":
		unit, _ := snap.Attributes["device_class"].(string)
		decodeSensor(snap, &e, unit)
	case "assist_satellite":
		e.Features = featuresForVoiceAssistant()
		e.Attributes["state"] = string(normalizeOnOff(snap.State))
	}

	return e, true
}

func friendlyName(snap model.HASnapshot) string {
	if name, ok := snap.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return snap.EntityID
}

// normalizeOnOff applies the always-applicable unavailable/unknown mapping
// and otherwise uppercases the raw HA state, matching spec §4.1's "State
// normalization".
func normalizeOnOff(haState string) model.State {
	switch haState {
	case "unavailable":
		return model.StateUnavailable
	case "unknown":
		return model.StateUnknown
	case "on":
		return model.StateOn
	case "off":
		return model.StateOff
	default:
		return model.State(strings.ToUpper(haState))
	}
}

func decodeLight(snap model.HASnapshot, e *model.Entity) {
	hasBrightness := snap.Attributes["brightness"] != nil
	e.Features = featuresForLight(asInt64(snap.Attributes["supported_features"]), hasBrightness)
	e.Attributes["state"] = string(normalizeOnOff(snap.State))

	if b, ok := snap.Attributes["brightness"]; ok {
		e.Attributes["brightness"] = asInt64(b)
	}

	colorMode, _ := snap.Attributes["color_mode"].(string)
	switch colorMode {
	case "xy":
		if xy, ok := snap.Attributes["xy_color"].([]interface{}); ok && len(xy) == 2 {
			x, _ := xy[0].(float64)
			y, _ := xy[1].(float64)
			hsv := xyToHSV(x, y)
			e.Attributes["hue"] = hsv.Hue
			e.Attributes["saturation"] = hsv.Saturation
		}
	case "hs":
		if hs, ok := snap.Attributes["hs_color"].([]interface{}); ok && len(hs) == 2 {
			h, _ := hs[0].(float64)
			s, _ := hs[1].(float64)
			hsv := hsToHSV(h, s)
			e.Attributes["hue"] = hsv.Hue
			e.Attributes["saturation"] = hsv.Saturation
		}
	case "rgb":
		if rgb, ok := snap.Attributes["rgb_color"].([]interface{}); ok && len(rgb) == 3 {
			r, _ := rgb[0].(float64)
			g, _ := rgb[1].(float64)
			b, _ := rgb[2].(float64)
			hsv := rgbToHSV(r, g, b)
			e.Attributes["hue"] = hsv.Hue
			e.Attributes["saturation"] = hsv.Saturation
		}
	default:
		// Unknown or absent color_mode: omit color attributes, not an error.
	}

	if ct, ok := snap.Attributes["color_temp_kelvin"]; ok {
		e.Attributes["color_temperature_kelvin"] = asInt64(ct)
	} else if ct, ok := snap.Attributes["color_temp"]; ok {
		e.Attributes["color_temperature_mireds"] = asInt64(ct)
	}
}

func decodeCover(snap model.HASnapshot, e *model.Entity) {
	e.Features = featuresForCover(asInt64(snap.Attributes["supported_features"]))
	switch snap.State {
	case "unavailable":
		e.Attributes["state"] = string(model.StateUnavailable)
	case "unknown":
		e.Attributes["state"] = string(model.StateUnknown)
	default:
		e.Attributes["state"] = strings.ToUpper(snap.State)
	}
	if pos, ok := snap.Attributes["current_position"]; ok {
		e.Attributes["position"] = asInt64(pos)
	}
}

func decodeClimate(snap model.HASnapshot, e *model.Entity) {
	e.Features = featuresForClimate(asInt64(snap.Attributes["supported_features"]))
	switch snap.State {
	case "unavailable":
		e.Attributes["state"] = string(model.StateUnavailable)
	case "unknown":
		e.Attributes["state"] = string(model.StateUnknown)
	default:
		e.Attributes["hvac_mode"] = snap.State
	}
	if t, ok := snap.Attributes["current_temperature"]; ok {
		e.Attributes["current_temperature"] = t
	}
	if t, ok := snap.Attributes["temperature"]; ok {
		e.Attributes["target_temperature"] = t
	}
	if fm, ok := snap.Attributes["fan_mode"]; ok {
		e.Attributes["fan_mode"] = fm
	}
}

func decodeMediaPlayer(snap model.HASnapshot, e *model.Entity) {
	e.Features = featuresForMediaPlayer(asInt64(snap.Attributes["supported_features"]))
	switch snap.State {
	case "unavailable":
		e.Attributes["state"] = string(model.StateUnavailable)
	case "unknown":
		e.Attributes["state"] = string(model.StateUnknown)
	default:
		// class-specific states (playing, paused, idle, standby,
		// buffering, ...) pass through uppercased, spec §4.1.
		e.Attributes["state"] = strings.ToUpper(snap.State)
	}
	if v, ok := snap.Attributes["volume_level"]; ok {
		e.Attributes["volume"] = v
	}
	if muted, ok := snap.Attributes["is_volume_muted"]; ok {
		e.Attributes["muted"] = muted
	}
	if src, ok := snap.Attributes["source"]; ok {
		e.Attributes["source"] = src
	}
	if mode, ok := snap.Attributes["sound_mode"]; ok {
		e.Attributes["sound_mode"] = mode
	}
	if raw, ok := snap.Attributes["media_position_updated_at"]; ok {
		if ts, ok := parseHATimestamp(raw); ok {
			e.Attributes["media_position_updated_at"] = ts.UTC().Format(time.RFC3339)
		}
	}
}

func parseHATimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case time.Time:
		return t, true
	default:
		return time.Time{}, false
	}
}

// decodeSensor implements spec §4.1 "Sensor state filter" and "Binary
// sensor". unit is the HA device_class string for binary sensors, or ""
// for plain sensors.
func decodeSensor(snap model.HASnapshot, e *model.Entity, unit string) {
	e.Features = featuresForSensor()
	if unit != "" {
		e.Attributes["unit"] = unit
		e.Attributes["device_class"] = "binary"
	}

	switch snap.State {
	case "unavailable":
		e.Attributes["state"] = string(model.StateUnavailable)
	case "unknown":
		e.Attributes["state"] = string(model.StateUnknown)
	case "on":
		e.Attributes["state"] = string(model.StateOn)
		e.Attributes["value"] = snap.State
	default:
		// numeric/string readings go in value, not state.
		e.Attributes["value"] = snap.State
	}
}

// Encode translates a Core command into an HA service call, or fails with
// UnsupportedCommand (spec §4.1 "Encode").
func Encode(cmd model.Command) (model.ServiceCall, error) {
	domain := domainOf(cmd.EntityID)
	switch domain {
	case "light", "switch", "input_boolean":
		return encodeToggleDomain(domain, cmd)
	case "cover":
		return encodeCover(cmd)
	case "climate":
		return encodeClimate(cmd)
	case "media_player":
		return encodeMediaPlayer(cmd)
	case "remote":
		return encodeRemote(cmd)
	case "button", "input_button", "script", "scene":
		return encodeButton(domain, cmd)
	default:
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			fmt.Sprintf("no encoder for domain %q", domain))
	}
}

func domainOf(entityID string) string {
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == '.' {
			return entityID[:i]
		}
	}
	return entityID
}

func target(entityID string) model.ServiceTarget {
	return model.ServiceTarget{EntityID: entityID}
}

func encodeToggleDomain(domain string, cmd model.Command) (model.ServiceCall, error) {
	data := map[string]interface{}{}
	service := ""
	switch cmd.CmdID {
	case "on":
		service = "turn_on"
		applyLightParams(domain, cmd.Params, data)
	case "off":
		service = "turn_off"
	case "toggle":
		service = "toggle"
	default:
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			fmt.Sprintf("%s: unsupported command %q", domain, cmd.CmdID))
	}
	return model.ServiceCall{Domain: domain, Service: service, ServiceData: data, Target: target(cmd.EntityID)}, nil
}

// applyLightParams translates Core brightness/color/color-temperature
// params into HA's preferred service_data keys (spec §4.1 "light with
// brightness/color").
func applyLightParams(domain string, params map[string]interface{}, data map[string]interface{}) {
	if domain != "light" {
		return
	}
	hue, hasHue := params["hue"]
	sat, hasSat := params["saturation"]
	if hasHue && hasSat {
		data["hs_color"] = []interface{}{hue, sat}
	} else if b, ok := params["brightness"]; ok {
		data["brightness"] = b
	}
	if b, ok := params["brightness"]; ok {
		if _, already := data["brightness"]; !already {
			data["brightness"] = b
		}
	}
	if kelvin, ok := params["color_temperature_kelvin"]; ok {
		data["color_temp_kelvin"] = kelvin
	} else if mireds, ok := params["color_temperature_mireds"]; ok {
		data["color_temp"] = mireds
	}
}

func encodeCover(cmd model.Command) (model.ServiceCall, error) {
	service := ""
	data := map[string]interface{}{}
	switch cmd.CmdID {
	case "open":
		service = "open_cover"
	case "close":
		service = "close_cover"
	case "stop":
		service = "stop_cover"
	case "toggle":
		service = "toggle"
	case "position":
		service = "set_cover_position"
		if p, ok := cmd.Params["position"]; ok {
			data["position"] = p
		}
	default:
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			fmt.Sprintf("cover: unsupported command %q", cmd.CmdID))
	}
	return model.ServiceCall{Domain: "cover", Service: service, ServiceData: data, Target: target(cmd.EntityID)}, nil
}

func encodeClimate(cmd model.Command) (model.ServiceCall, error) {
	data := map[string]interface{}{}
	service := ""
	switch cmd.CmdID {
	case "target_temperature":
		service = "set_temperature"
		if t, ok := cmd.Params["temperature"]; ok {
			data["temperature"] = t
		}
	case "hvac_mode":
		service = "set_hvac_mode"
		if m, ok := cmd.Params["hvac_mode"]; ok {
			data["hvac_mode"] = m
		}
	case "fan_mode":
		service = "set_fan_mode"
		if m, ok := cmd.Params["fan_mode"]; ok {
			data["fan_mode"] = m
		}
	default:
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			fmt.Sprintf("climate: unsupported command %q", cmd.CmdID))
	}
	return model.ServiceCall{Domain: "climate", Service: service, ServiceData: data, Target: target(cmd.EntityID)}, nil
}

func encodeMediaPlayer(cmd model.Command) (model.ServiceCall, error) {
	data := map[string]interface{}{}
	service := ""
	switch cmd.CmdID {
	case "on":
		service = "turn_on"
	case "off":
		service = "turn_off"
	case "play_pause":
		service = "media_play_pause"
	case "next":
		service = "media_next_track"
	case "previous":
		service = "media_previous_track"
	case "volume_set":
		service = "volume_set"
		if v, ok := cmd.Params["volume"]; ok {
			data["volume_level"] = v
		}
	case "mute_toggle":
		service = "volume_mute"
		if m, ok := cmd.Params["muted"]; ok {
			data["is_volume_muted"] = m
		}
	case "select_source":
		service = "select_source"
		if s, ok := cmd.Params["source"]; ok {
			data["source"] = s
		}
	case "select_sound_mode":
		// spec §4.1: the externally stable param name "mode" is re-keyed
		// to HA's "sound_mode".
		service = "select_sound_mode"
		if m, ok := cmd.Params["mode"]; ok {
			data["sound_mode"] = m
		}
	default:
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			fmt.Sprintf("media_player: unsupported command %q", cmd.CmdID))
	}
	return model.ServiceCall{Domain: "media_player", Service: service, ServiceData: data, Target: target(cmd.EntityID)}, nil
}

func encodeRemote(cmd model.Command) (model.ServiceCall, error) {
	if cmd.CmdID != "send_command" {
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			fmt.Sprintf("remote: unsupported command %q", cmd.CmdID))
	}
	var commands []interface{}
	if seq, ok := cmd.Params["sequence"].([]interface{}); ok {
		commands = seq
	} else if single, ok := cmd.Params["command"]; ok {
		commands = []interface{}{single}
	} else {
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			"remote.send_command: missing command or sequence")
	}
	return model.ServiceCall{
		Domain:      "remote",
		Service:     "send_command",
		ServiceData: map[string]interface{}{"command": commands},
		Target:      target(cmd.EntityID),
	}, nil
}

func encodeButton(domain string, cmd model.Command) (model.ServiceCall, error) {
	switch domain {
	case "button", "input_button":
		return model.ServiceCall{Domain: domain, Service: "press", Target: target(cmd.EntityID)}, nil
	case "script":
		return model.ServiceCall{Domain: "script", Service: "turn_on", Target: target(cmd.EntityID)}, nil
	case "scene":
		return model.ServiceCall{Domain: "scene", Service: "turn_on", Target: target(cmd.EntityID)}, nil
	default:
		return model.ServiceCall{}, bridgeerr.New(bridgeerr.KindUnsupportedCommand,
			fmt.Sprintf("%s: unsupported command %q", domain, cmd.CmdID))
	}
}
