// Package r2proto implements the §6 R2 WebSocket JSON envelope: the four
// frame kinds exchanged with a remote-control session (request, response,
// event, error), plus the request/event `msg` names the Controller
// understands. Framing only — no business logic lives here.
package r2proto

import "encoding/json"

// Kind is the outer envelope discriminator.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "resp"
	KindEvent    Kind = "event"
)

// Category distinguishes device-level events from entity-level ones.
type Category string

const (
	CategoryDevice Category = "DEVICE"
	CategoryEntity Category = "ENTITY"
)

// Request `msg` names, §6.
const (
	MsgGetDriverVersion    = "get_driver_version"
	MsgGetDeviceState      = "get_device_state"
	MsgSetupDriver         = "setup_driver"
	MsgSetDriverUserData   = "set_driver_user_data"
	MsgGetAvailableEntities = "get_available_entities"
	MsgGetEntityStates     = "get_entity_states"
	MsgSubscribeEvents     = "subscribe_events"
	MsgUnsubscribeEvents   = "unsubscribe_events"
	MsgEntityCommand       = "entity_command"
	MsgAbortDriverSetup    = "abort_driver_setup"
)

// R2-originated event `msg` names, §6.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventEnterStandby = "enter_standby"
	EventExitStandby  = "exit_standby"
)

// Bridge-emitted event `msg` names, §6.
const (
	EmittedDeviceState       = "device_state"
	EmittedEntityChange      = "entity_change"
	EmittedDriverSetupChange = "driver_setup_change"
)

// Envelope is the raw wire shape shared by every frame kind. Callers
// discriminate on Kind, then decode MsgData/Msg into the concrete payload.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      uint32          `json:"id,omitempty"`
	ReqID   uint32          `json:"req_id,omitempty"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Cat     Category        `json:"cat,omitempty"`
	MsgData json.RawMessage `json:"msg_data,omitempty"`
	Code    int             `json:"code,omitempty"`
}

// Request is an inbound R2 request: {kind:"req", id, msg, msg_data?}.
type Request struct {
	ID      uint32          `json:"id"`
	Msg     string          `json:"msg"`
	MsgData json.RawMessage `json:"msg_data,omitempty"`
}

// ParseRequest decodes a raw frame known to be kind "req".
func ParseRequest(raw []byte) (Request, error) {
	var wire struct {
		Kind    Kind            `json:"kind"`
		ID      uint32          `json:"id"`
		Msg     string          `json:"msg"`
		MsgData json.RawMessage `json:"msg_data,omitempty"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Request{}, err
	}
	return Request{ID: wire.ID, Msg: wire.Msg, MsgData: wire.MsgData}, nil
}

// Event is an inbound R2 event: {kind:"event", msg, cat, msg_data?}.
type Event struct {
	Msg     string          `json:"msg"`
	Cat     Category        `json:"cat"`
	MsgData json.RawMessage `json:"msg_data,omitempty"`
}

// ParseEvent decodes a raw frame known to be kind "event".
func ParseEvent(raw []byte) (Event, error) {
	var wire struct {
		Msg     string          `json:"msg"`
		Cat     Category        `json:"cat"`
		MsgData json.RawMessage `json:"msg_data,omitempty"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, err
	}
	return Event{Msg: wire.Msg, Cat: wire.Cat, MsgData: wire.MsgData}, nil
}

// ParseKind reads only the `kind` discriminator, for initial dispatch.
func ParseKind(raw []byte) (Kind, error) {
	var wire struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return "", err
	}
	return wire.Kind, nil
}

// Response builds an outbound response frame: {kind:"resp", req_id, msg, msg_data}.
func Response(reqID uint32, msg string, data any) ([]byte, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Kind    Kind            `json:"kind"`
		ReqID   uint32          `json:"req_id"`
		Msg     string          `json:"msg"`
		MsgData json.RawMessage `json:"msg_data"`
	}{Kind: KindResponse, ReqID: reqID, Msg: msg, MsgData: payload})
}

// ErrorResponse builds an outbound error envelope: {kind:"resp", req_id, code, msg}.
// The §6/§7 error taxonomy maps onto (code, label) by the caller; msg carries
// a `{error: label}`-shaped object so R2 gets both the HTTP-style code and a
// machine-readable label.
func ErrorResponse(reqID uint32, code int, label string) ([]byte, error) {
	return json.Marshal(struct {
		Kind  Kind   `json:"kind"`
		ReqID uint32 `json:"req_id"`
		Code  int    `json:"code"`
		Msg   struct {
			Error string `json:"error"`
		} `json:"msg"`
	}{Kind: KindResponse, ReqID: reqID, Code: code, Msg: struct {
		Error string `json:"error"`
	}{Error: label}})
}

// EventFrame builds an outbound event frame: {kind:"event", msg, cat, msg_data}.
func EventFrame(msg string, cat Category, data any) ([]byte, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Kind    Kind            `json:"kind"`
		Msg     string          `json:"msg"`
		Cat     Category        `json:"cat"`
		MsgData json.RawMessage `json:"msg_data"`
	}{Kind: KindEvent, Msg: msg, Cat: cat, MsgData: payload})
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(data)
}
