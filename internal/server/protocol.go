package server

import "encoding/json"

// Envelope is the Core-facing wire frame (spec §6 "Core-facing protocol").
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      int64           `json:"id,omitempty"`
	Msg     string          `json:"msg"`
	MsgData json.RawMessage `json:"msg_data,omitempty"`
	ReqID   int64           `json:"req_id,omitempty"`
	Code    int             `json:"code,omitempty"`
}

const (
	kindReq   = "req"
	kindEvent = "event"
	kindResp  = "resp"
)

// entity_command request payload.
type entityCommandParams struct {
	EntityID string                 `json:"entity_id"`
	CmdID    string                 `json:"cmd_id"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// subscribe_events / unsubscribe_events request payload.
type subscribeParams struct {
	EntityIDs []string `json:"entity_ids,omitempty"` // empty or absent = "*"
}

type setupDriverParams struct {
	Reconfigure bool                   `json:"reconfigure,omitempty"`
	Setup       map[string]interface{} `json:"setup_data,omitempty"`
}

type setDriverUserDataParams struct {
	InputValues map[string]string `json:"input_values,omitempty"`
}

type entityChangeEvent struct {
	EntityID          string                 `json:"entity_id"`
	ChangedAttributes map[string]interface{} `json:"attributes,omitempty"`
}

// device_state event payload (spec §4.6 disconnect_on_standby): a Core ->
// bridge notification, not a req/resp pair, so it arrives as kindEvent.
type deviceStateEvent struct {
	State string `json:"state"`
}
