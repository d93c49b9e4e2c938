package ports

import (
	"context"
	"encoding/json"

	"codecast/internal/core/domain"
)

// SignalingClient hands out channels scoped to one topic. Controllers receive a
// client at construction instead of reaching for a process-wide instance.
type SignalingClient interface {
	Channel(topic string) SignalingChannel
}

// SignalingChannel is a pub/sub topic with presence tracking.
//
// Handlers must be registered on an EventBus before Subscribe so the initial
// presence sync is not missed. Delivery is at-least-once and unordered across
// event types.
type SignalingChannel interface {
	Topic() string
	Subscribe(ctx context.Context) error
	Track(ctx context.Context, presence domain.Presence) error
	Send(ctx context.Context, event domain.EventName, payload interface{}) error
	PresenceState() domain.PresenceState
	Events() EventBus
	Unsubscribe(ctx context.Context) error
}

type PresenceSyncHandler func(state domain.PresenceState)
type PresenceDiffHandler func(key string, presences []domain.Presence)
type BroadcastHandler func(payload json.RawMessage)

// EventBus groups handler registrations so they can be released with one Dispose.
type EventBus interface {
	OnPresenceSync(h PresenceSyncHandler)
	OnPresenceJoin(h PresenceDiffHandler)
	OnPresenceLeave(h PresenceDiffHandler)
	OnBroadcast(event domain.EventName, h BroadcastHandler)
	Dispose()
}
