package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/infrastructure/signaling"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRelay answers every connection with a presence state and records frames.
type fakeRelay struct {
	frames chan signaling.Frame
	query  chan string

	mu     sync.Mutex
	state  domain.PresenceState
	refuse bool
	conns  []*websocket.Conn
}

func newFakeRelay(t *testing.T, withState bool) (*fakeRelay, string) {
	t.Helper()
	relay := &fakeRelay{
		frames: make(chan signaling.Frame, 64),
		query:  make(chan string, 1),
		state:  domain.PresenceState{"alice": {{UserID: "alice", Role: domain.RoleStreamer}}},
	}
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		relay.mu.Lock()
		refuse, state := relay.refuse, relay.state
		relay.mu.Unlock()
		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		select {
		case relay.query <- r.URL.RawQuery:
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if withState {
			_ = conn.WriteJSON(signaling.Frame{Type: signaling.FramePresenceState, State: state})
		}
		relay.mu.Lock()
		relay.conns = append(relay.conns, conn)
		relay.mu.Unlock()
		for {
			var frame signaling.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			relay.frames <- frame
		}
	}))
	t.Cleanup(ts.Close)
	return relay, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (r *fakeRelay) setState(state domain.PresenceState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *fakeRelay) setRefuse(refuse bool) {
	r.mu.Lock()
	r.refuse = refuse
	r.mu.Unlock()
}

// send writes frame to every open connection.
func (r *fakeRelay) send(frame signaling.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		_ = conn.WriteJSON(frame)
	}
}

// drop closes every open connection without a close handshake.
func (r *fakeRelay) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		_ = conn.Close()
	}
	r.conns = nil
}

func nextFrame(t *testing.T, relay *fakeRelay, typ string) signaling.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-relay.frames:
			if frame.Type == typ {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame received", typ)
		}
	}
}

func TestChannel_SubscribeWaitsForPresenceState(t *testing.T) {
	relay, url := newFakeRelay(t, true)
	c := NewClient(url, "tok", zap.NewNop().Sugar()).NewChannel("room-1")

	synced := 0
	c.Events().OnPresenceSync(func(domain.PresenceState) { synced++ })

	require.NoError(t, c.Subscribe(context.Background()))
	assert.Equal(t, 1, synced)
	assert.Contains(t, c.PresenceState(), "alice")
	assert.Equal(t, "room=room-1&token=tok", <-relay.query)

	require.NoError(t, c.Send(context.Background(), domain.EventViewerCountUpdated, domain.ViewerCountPayload{Count: 2}))
	frame := <-relay.frames
	assert.Equal(t, signaling.FrameBroadcast, frame.Type)
	assert.Equal(t, domain.EventViewerCountUpdated, frame.Event)
	assert.JSONEq(t, `{"count":2}`, string(frame.Payload))

	require.NoError(t, c.Track(context.Background(), domain.Presence{UserID: "bob", Role: domain.RoleViewer}))
	frame = <-relay.frames
	assert.Equal(t, signaling.FrameTrack, frame.Type)
	require.NotNil(t, frame.Presence)
	assert.Equal(t, domain.UserID("bob"), frame.Presence.UserID)

	require.NoError(t, c.Unsubscribe(context.Background()))
	require.NoError(t, c.Unsubscribe(context.Background()))
	assert.ErrorIs(t, c.Send(context.Background(), domain.EventViewerOffer, struct{}{}), domain.ErrSignalingUnavailable)
}

func TestChannel_SubscribeTimesOutWithoutPresenceState(t *testing.T) {
	_, url := newFakeRelay(t, false)
	c := NewClient(url, "tok", zap.NewNop().Sugar()).NewChannel("room-1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Subscribe(ctx), domain.ErrSignalingUnavailable)
	assert.ErrorIs(t, c.Track(context.Background(), domain.Presence{}), domain.ErrSignalingUnavailable)
}

func TestChannel_SubscribeRefused(t *testing.T) {
	_, url := newFakeRelay(t, true)
	c := NewClient(url, "", zap.NewNop().Sugar()).NewChannel("room-1")

	err := c.Subscribe(context.Background())
	require.ErrorIs(t, err, domain.ErrSignalingUnavailable)
	assert.Contains(t, err.Error(), "401")
}

func TestChannel_ReconnectsAfterRelayLoss(t *testing.T) {
	relay, url := newFakeRelay(t, true)
	relay.setState(domain.PresenceState{
		"alice": {{UserID: "alice", Role: domain.RoleStreamer}},
		"carol": {{UserID: "carol", Role: domain.RoleViewer}},
	})
	c := NewClient(url, "tok", zap.NewNop().Sugar()).
		SetReconnectPolicy(10*time.Millisecond, 5*time.Second).
		NewChannel("room-1")

	joins := make(chan string, 8)
	leaves := make(chan string, 8)
	bus := c.Events()
	bus.OnPresenceJoin(func(key string, _ []domain.Presence) { joins <- key })
	bus.OnPresenceLeave(func(key string, _ []domain.Presence) { leaves <- key })

	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx))
	bob := domain.Presence{UserID: "bob", Role: domain.RoleViewer}
	require.NoError(t, c.Track(ctx, bob))
	nextFrame(t, relay, signaling.FrameTrack)

	// carol left and dave joined while the connection was down
	relay.setState(domain.PresenceState{
		"alice": {{UserID: "alice", Role: domain.RoleStreamer}},
		"bob":   {bob},
		"dave":  {{UserID: "dave", Role: domain.RoleViewer}},
	})
	relay.drop()

	frame := nextFrame(t, relay, signaling.FrameTrack)
	require.NotNil(t, frame.Presence)
	assert.Equal(t, bob, *frame.Presence)

	// the diff is dispatched before the presence is tracked again
	require.Len(t, leaves, 1)
	assert.Equal(t, "carol", <-leaves)
	require.Len(t, joins, 1)
	assert.Equal(t, "dave", <-joins)
	assert.NotContains(t, c.PresenceState(), "carol")

	require.Eventually(t, func() bool {
		return c.Send(ctx, domain.EventViewerCountUpdated, domain.ViewerCountPayload{Count: 1}) == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Unsubscribe(ctx))
}

func TestChannel_GivesUpWhenRelayStaysDown(t *testing.T) {
	relay, url := newFakeRelay(t, true)
	c := NewClient(url, "tok", zap.NewNop().Sugar()).
		SetReconnectPolicy(10*time.Millisecond, 0).
		NewChannel("room-1")

	leaves := make(chan string, 8)
	syncs := make(chan domain.PresenceState, 8)
	bus := c.Events()
	bus.OnPresenceLeave(func(key string, _ []domain.Presence) { leaves <- key })
	bus.OnPresenceSync(func(state domain.PresenceState) { syncs <- state })

	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx))
	assert.Contains(t, <-syncs, "alice")
	require.NoError(t, c.Track(ctx, domain.Presence{UserID: "bob", Role: domain.RoleViewer}))
	nextFrame(t, relay, signaling.FrameTrack)

	relay.setRefuse(true)
	relay.drop()

	select {
	case state := <-syncs:
		assert.Empty(t, state)
	case <-time.After(5 * time.Second):
		t.Fatal("no sync after giving up")
	}
	require.Len(t, leaves, 1)
	assert.Equal(t, "alice", <-leaves)
	assert.Empty(t, c.PresenceState())
	assert.ErrorIs(t, c.Send(ctx, domain.EventViewerOffer, struct{}{}), domain.ErrSignalingUnavailable)

	// a later subscribe dials again
	relay.setRefuse(false)
	require.NoError(t, c.Subscribe(ctx))
	assert.Contains(t, c.PresenceState(), "alice")
	require.NoError(t, c.Unsubscribe(ctx))
}

func TestChannel_LeaveFrameUpdatesPresenceFirst(t *testing.T) {
	relay, url := newFakeRelay(t, true)
	bob := domain.Presence{UserID: "bob", Role: domain.RoleViewer}
	relay.setState(domain.PresenceState{
		"alice": {{UserID: "alice", Role: domain.RoleStreamer}},
		"bob":   {bob, bob},
	})
	c := NewClient(url, "tok", zap.NewNop().Sugar()).NewChannel("room-1")

	remaining := make(chan int, 2)
	c.Events().OnPresenceLeave(func(key string, _ []domain.Presence) {
		remaining <- len(c.PresenceState()[key])
	})

	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx))

	for _, want := range []int{1, 0} {
		relay.send(signaling.Frame{Type: signaling.FramePresenceLeave, Key: "bob", Presences: []domain.Presence{bob}})
		select {
		case got := <-remaining:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("leave not dispatched")
		}
	}
	require.NoError(t, c.Unsubscribe(ctx))
}
