// Package metadata owns the driver-metadata manifest the core echoes
// unchanged to Core clients. Loading and shaping this document is an
// external collaborator per the bridge's scope (spec §1); the core only
// consumes the resulting bytes via get_driver_metadata.
package metadata

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed driver.json
var embedded embed.FS

// Manifest is the shape of the embedded driver.json, only as much as the
// bridge needs to rewrite before echoing it (spec §6: "token stripped and
// version replaced", "auto-fills driver_id/name when absent").
type Manifest struct {
	DriverID string                 `json:"driver_id"`
	Name     map[string]string      `json:"name"`
	Version  string                 `json:"version"`
	Token    string                 `json:"token,omitempty"`
	Setup    map[string]interface{} `json:"setup_data_schema,omitempty"`
	Rest     map[string]interface{} `json:"-"`
}

// Load reads the embedded manifest, strips any token field, fills in
// driver_id/name defaults, and stamps the running application version.
func Load(appVersion string) ([]byte, error) {
	raw, err := embedded.ReadFile("driver.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded driver manifest: %w", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse embedded driver manifest: %w", err)
	}

	delete(doc, "token")
	doc["version"] = appVersion
	if _, ok := doc["driver_id"]; !ok {
		doc["driver_id"] = "ha_bridge"
	}
	if _, ok := doc["name"]; !ok {
		doc["name"] = map[string]string{"en": "Home Assistant"}
	}

	return json.Marshal(doc)
}
