// Package model holds the domain types shared between the R2-facing
// controller, the Home Assistant client, and the service translator. None of
// these types know how to speak R2 or HA wire JSON themselves — the
// r2proto and haproto packages own framing and field names.
package model

// DeviceState is the bridge's view of the upstream HA connection, as
// surfaced to every R2 session.
type DeviceState string

const (
	DeviceDisconnected DeviceState = "DISCONNECTED"
	DeviceConnecting   DeviceState = "CONNECTING"
	DeviceConnected    DeviceState = "CONNECTED"
	DeviceError        DeviceState = "ERROR"
)

// EntityCommand is an R2 entity_command request translated into domain
// fields the Service Translator consumes.
type EntityCommand struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	CmdID      string         `json:"cmd_id"`
	Params     map[string]any `json:"params,omitempty"`
}

// EntityChange describes a single state_changed event translated from HA,
// or a projected entry of an entity_states response.
type EntityChange struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	DeviceID   string         `json:"device_id,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

// AvailableEntity is one entry in the get_available_entities /
// get_entity_states responses, filtered to the configured set of entity
// types.
type AvailableEntity struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	DeviceID   string         `json:"device_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ConnectionState is the HA Client's own handshake/steady-state lifecycle,
// reported to the Controller as a [ConnectionEvent]. It is coarser than the
// internal state machine in package haclient: the Controller only needs to
// know "connected", "auth failed", or "closed".
type ConnectionState int

const (
	ConnStateConnected ConnectionState = iota
	ConnStateAuthenticationFailed
	ConnStateClosed
)

// ConnectionEvent is posted by the HA Client to the Controller mailbox
// whenever the upstream connection's lifecycle changes.
type ConnectionEvent struct {
	ClientID string
	State    ConnectionState
}

// EntityEvent is posted by the HA Client to the Controller mailbox for every
// parsed state_changed event on a supported entity type.
type EntityEvent struct {
	Change EntityChange
}

// AvailableEntities is posted by the HA Client to the Controller mailbox in
// reply to a GetStates request.
type AvailableEntities struct {
	Entities []AvailableEntity
}
