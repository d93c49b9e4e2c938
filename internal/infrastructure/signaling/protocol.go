package signaling

import (
	"encoding/json"

	"codecast/internal/core/domain"
)

// Frame types of the relay WebSocket protocol.
const (
	FrameTrack         = "track"
	FrameBroadcast     = "broadcast"
	FramePresenceState = "presence_state"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameError         = "error"
)

// Frame is one JSON message on a relay connection, in either direction.
type Frame struct {
	Type      string               `json:"type"`
	Event     domain.EventName     `json:"event,omitempty"`
	Key       string               `json:"key,omitempty"`
	Presence  *domain.Presence     `json:"presence,omitempty"`
	Presences []domain.Presence    `json:"presences,omitempty"`
	State     domain.PresenceState `json:"state,omitempty"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
}
