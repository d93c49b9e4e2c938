package signaling

import (
	"encoding/json"
	"testing"

	"codecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversToEveryGroup(t *testing.T) {
	d := NewDispatcher()
	a, b := d.NewBus(), d.NewBus()

	var gotA, gotB []string
	a.OnBroadcast(domain.EventViewerOffer, func(p json.RawMessage) { gotA = append(gotA, string(p)) })
	b.OnBroadcast(domain.EventViewerOffer, func(p json.RawMessage) { gotB = append(gotB, string(p)) })
	b.OnBroadcast(domain.EventViewerICE, func(json.RawMessage) { t.Fatal("wrong event delivered") })

	d.DispatchBroadcast(domain.EventViewerOffer, json.RawMessage(`{"n":1}`))

	assert.Equal(t, []string{`{"n":1}`}, gotA)
	assert.Equal(t, []string{`{"n":1}`}, gotB)
}

func TestDispatcher_DisposeRemovesGroup(t *testing.T) {
	d := NewDispatcher()
	bus := d.NewBus()
	calls := 0
	bus.OnPresenceSync(func(domain.PresenceState) { calls++ })
	bus.OnPresenceJoin(func(string, []domain.Presence) { calls++ })

	d.DispatchSync(domain.PresenceState{})
	require.Equal(t, 1, calls)
	require.Equal(t, 1, d.Len())

	bus.Dispose()
	bus.Dispose()
	assert.Equal(t, 0, d.Len())

	d.DispatchSync(domain.PresenceState{})
	d.DispatchJoin("alice", []domain.Presence{{UserID: "alice"}})
	assert.Equal(t, 1, calls)

	// registrations after Dispose are ignored
	bus.OnPresenceSync(func(domain.PresenceState) { calls++ })
	d.DispatchSync(domain.PresenceState{})
	assert.Equal(t, 1, calls)
}

func TestDispatcher_SyncStateIsCloned(t *testing.T) {
	d := NewDispatcher()
	bus := d.NewBus()
	bus.OnPresenceSync(func(state domain.PresenceState) {
		state["mallory"] = []domain.Presence{{UserID: "mallory"}}
	})

	state := domain.PresenceState{"alice": {{UserID: "alice"}}}
	d.DispatchSync(state)

	assert.NotContains(t, state, "mallory")
}

func TestDispatcher_WildcardBus(t *testing.T) {
	d := NewDispatcher()
	wildcard, ok := d.NewBus().(WildcardBus)
	require.True(t, ok)

	var events []domain.EventName
	wildcard.OnAnyBroadcast(func(event domain.EventName, _ json.RawMessage) {
		events = append(events, event)
	})

	d.DispatchBroadcast(domain.EventViewerOffer, json.RawMessage(`{}`))
	d.DispatchBroadcast("custom-event", json.RawMessage(`{}`))

	assert.Equal(t, []domain.EventName{domain.EventViewerOffer, "custom-event"}, events)
}
