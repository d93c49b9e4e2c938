package domain

import (
	"time"
)

type RoomID string
type StreamID string
type UserID string
type ProblemID string

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// StreamSession identifies one broadcast. StreamID is assigned by the session
// registry and stays empty when the registry could not be reached.
type StreamSession struct {
	RoomID         RoomID        `json:"roomId"`
	StreamID       StreamID      `json:"streamId,omitempty"`
	StreamerUserID UserID        `json:"streamerUserId"`
	ProblemID      ProblemID     `json:"problemId,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	Status         SessionStatus `json:"status"`
}

// Active reports whether the session admits new viewers.
func (s *StreamSession) Active() bool {
	return s != nil && s.Status == SessionActive
}

// Live reports whether the session is broadcasting, paused or not.
func (s *StreamSession) Live() bool {
	return s != nil && (s.Status == SessionActive || s.Status == SessionPaused)
}

// Topic returns the signaling channel topic for a room.
func Topic(roomID RoomID) string {
	return "stream:" + string(roomID)
}
