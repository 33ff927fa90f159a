package haclient

import (
	"encoding/json"

	"github.com/corebridge/ha-integration/internal/model"
)

// Outbound HA WebSocket API messages (spec §6 "HA-facing protocol").

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeEventsMessage struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

type unsubscribeEventsMessage struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Subscription int64  `json:"subscription"`
}

type getStatesMessage struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type pingMessage struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type callServiceMessage struct {
	ID          int64                  `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      model.ServiceTarget    `json:"target"`
}

// inboundFrame is the generic shape every HA WebSocket message fits,
// decoded loosely and then dispatched by Type (spec §4.2 "Protocol
// errors": unexpected shape/id is a protocol violation).
type inboundFrame struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *haError        `json:"error,omitempty"`
	Event   *haEvent        `json:"event,omitempty"`
}

type haError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type haEvent struct {
	EventType string      `json:"event_type"`
	Data      haEventData `json:"data"`
}

type haEventData struct {
	EntityID string             `json:"entity_id"`
	NewState *model.HASnapshot  `json:"new_state"`
	OldState *model.HASnapshot  `json:"old_state"`
}
