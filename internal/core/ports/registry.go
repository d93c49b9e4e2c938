package ports

import (
	"context"

	"codecast/internal/core/domain"
)

// SessionRegistry persists stream lifecycle and viewer counts for display elsewhere.
type SessionRegistry interface {
	StartSession(ctx context.Context, problemID domain.ProblemID, roomID domain.RoomID) (domain.StreamID, error)
	StopSession(ctx context.Context) error
	UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error
	ViewerHeartbeat(ctx context.Context) error
}

// SessionMetrics records coordinator activity.
type SessionMetrics interface {
	ViewerCount(roomID domain.RoomID, count int)
	LinkFailed(roomID domain.RoomID, reason string)
	NegotiationCompleted(role domain.Role, seconds float64)
	ViewerOutcome(roomID domain.RoomID, state domain.ViewerState)
}
