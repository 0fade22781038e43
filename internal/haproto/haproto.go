// Package haproto implements the upstream Home Assistant WebSocket JSON
// frames used by the HA Client, §6: auth_required/auth/auth_ok/auth_invalid,
// subscribe_events/get_states/call_service/result, event/ping/pong.
package haproto

import "encoding/json"

// FrameType is the `type` discriminator shared by every HA frame.
type FrameType string

const (
	TypeAuthRequired  FrameType = "auth_required"
	TypeAuth          FrameType = "auth"
	TypeAuthOk        FrameType = "auth_ok"
	TypeAuthInvalid   FrameType = "auth_invalid"
	TypeSubscribe     FrameType = "subscribe_events"
	TypeGetStates     FrameType = "get_states"
	TypeCallService   FrameType = "call_service"
	TypeResult        FrameType = "result"
	TypeEvent         FrameType = "event"
	TypePing          FrameType = "ping"
	TypePong          FrameType = "pong"
)

// Inbound is the generic shape every frame received from HA can be decoded
// into before dispatching on Type.
type Inbound struct {
	Type    FrameType       `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// ResultError is the error object on a failed `result` frame.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthFrame is sent in reply to auth_required.
type AuthFrame struct {
	Type        FrameType `json:"type"`
	AccessToken string    `json:"access_token"`
}

func NewAuthFrame(token string) AuthFrame {
	return AuthFrame{Type: TypeAuth, AccessToken: token}
}

// SubscribeEventsFrame subscribes to an HA event bus event type.
type SubscribeEventsFrame struct {
	ID        int64     `json:"id"`
	Type      FrameType `json:"type"`
	EventType string    `json:"event_type"`
}

func NewSubscribeEventsFrame(id int64, eventType string) SubscribeEventsFrame {
	return SubscribeEventsFrame{ID: id, Type: TypeSubscribe, EventType: eventType}
}

// GetStatesFrame requests the full current entity state snapshot.
type GetStatesFrame struct {
	ID   int64     `json:"id"`
	Type FrameType `json:"type"`
}

func NewGetStatesFrame(id int64) GetStatesFrame {
	return GetStatesFrame{ID: id, Type: TypeGetStates}
}

// CallServiceFrame invokes an HA service against a target entity.
type CallServiceFrame struct {
	ID          int64          `json:"id"`
	Type        FrameType      `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
	Target      CallTarget     `json:"target"`
}

// CallTarget addresses the entity a service call applies to.
type CallTarget struct {
	EntityID string `json:"entity_id"`
}

func NewCallServiceFrame(id int64, domain, service string, data map[string]any, entityID string) CallServiceFrame {
	return CallServiceFrame{
		ID:          id,
		Type:        TypeCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: data,
		Target:      CallTarget{EntityID: entityID},
	}
}

// PingFrame is the heartbeat ping sent to HA.
type PingFrame struct {
	ID   int64     `json:"id"`
	Type FrameType `json:"type"`
}

func NewPingFrame(id int64) PingFrame {
	return PingFrame{ID: id, Type: TypePing}
}

// StateChangedEvent is the `event.data` payload of a state_changed event.
type StateChangedEvent struct {
	EntityID string    `json:"entity_id"`
	NewState *HAState  `json:"new_state"`
}

// HAState is one entity's state record as HA represents it.
type HAState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// EventEnvelope is the `event` field of an inbound Inbound frame of type
// TypeEvent.
type EventEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// GetStatesResult is the `result` payload of a successful get_states reply:
// a flat array of every known entity's current state.
type GetStatesResult []HAState
