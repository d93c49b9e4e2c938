package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/services"
	"codecast/internal/infrastructure/middleware"
	"codecast/internal/infrastructure/signaling"
	"codecast/internal/infrastructure/signaling/memory"
	wsdriver "codecast/internal/infrastructure/signaling/websocket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type relayFixture struct {
	server *WebSocketServer
	auth   services.AuthService
	hub    *memory.Hub
	http   *httptest.Server
	wsURL  string
}

func newRelayFixture(t *testing.T, opts Options) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := memory.NewHub()
	auth := services.NewAuthService("test-secret", time.Hour)
	server := NewWebSocketServer(hub, auth, opts, nil, zap.NewNop().Sugar())

	router := gin.New()
	router.GET("/ws", middleware.AuthMiddleware(auth), gin.WrapF(server.HandleWebSocket))
	router.GET("/health", gin.WrapF(server.HealthCheck))

	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Shutdown()
		ts.Close()
	})

	return &relayFixture{
		server: server,
		auth:   auth,
		hub:    hub,
		http:   ts,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (f *relayFixture) token(t *testing.T, user domain.UserID, role domain.Role) string {
	t.Helper()
	token, err := f.auth.GenerateToken(user, strings.ToUpper(string(user)), role)
	require.NoError(t, err)
	return token
}

func (f *relayFixture) dial(t *testing.T, room, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?room="+room+"&token="+token, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	first := readFrame(t, conn)
	require.Equal(t, signaling.FramePresenceState, first.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) signaling.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame signaling.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) signaling.Frame {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
}

func TestRelay_RejectsBeforeUpgrade(t *testing.T) {
	f := newRelayFixture(t, Options{})

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?room=room-1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := f.token(t, "alice", domain.RoleStreamer)
	_, resp, err = websocket.DefaultDialer.Dial(f.wsURL+"?room=bad%20room&token="+token, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_ForcesPresenceIdentity(t *testing.T) {
	f := newRelayFixture(t, Options{})
	streamer := f.dial(t, "room-1", f.token(t, "alice", domain.RoleStreamer))

	require.NoError(t, streamer.WriteJSON(signaling.Frame{
		Type:     signaling.FrameTrack,
		Presence: &domain.Presence{UserID: "mallory", Role: domain.RoleStreamer},
	}))

	join := readUntil(t, streamer, signaling.FramePresenceJoin)
	assert.Equal(t, "alice", join.Key)
	require.Len(t, join.Presences, 1)
	assert.Equal(t, domain.UserID("alice"), join.Presences[0].UserID)
	assert.Equal(t, "ALICE", join.Presences[0].DisplayName)

	state := readUntil(t, streamer, signaling.FramePresenceState)
	assert.Contains(t, state.State, "alice")
	assert.NotContains(t, state.State, "mallory")
}

func TestRelay_ViewerTokenCannotTrackStreamer(t *testing.T) {
	f := newRelayFixture(t, Options{})
	conn := f.dial(t, "room-1", f.token(t, "bob", domain.RoleViewer))

	require.NoError(t, conn.WriteJSON(signaling.Frame{
		Type:     signaling.FrameTrack,
		Presence: &domain.Presence{Role: domain.RoleStreamer},
	}))

	frame := readUntil(t, conn, signaling.FrameError)
	assert.Equal(t, "FORBIDDEN", frame.Code)

	observer := f.hub.NewChannel("room-1")
	require.NoError(t, observer.Subscribe(context.Background()))
	defer observer.Unsubscribe(context.Background())
	assert.Empty(t, observer.PresenceState())
}

func TestRelay_InvalidFrames(t *testing.T) {
	f := newRelayFixture(t, Options{})
	conn := f.dial(t, "room-1", f.token(t, "bob", domain.RoleViewer))

	tests := []struct {
		name  string
		frame signaling.Frame
	}{
		{name: "unknown type", frame: signaling.Frame{Type: "subscribe"}},
		{name: "missing type", frame: signaling.Frame{}},
		{name: "track without presence", frame: signaling.Frame{Type: signaling.FrameTrack}},
		{name: "bad event name", frame: signaling.Frame{Type: signaling.FrameBroadcast, Event: "bad event!", Payload: json.RawMessage(`{}`)}},
		{name: "missing payload", frame: signaling.Frame{Type: signaling.FrameBroadcast, Event: domain.EventViewerOffer}},
		{name: "unknown role", frame: signaling.Frame{Type: signaling.FrameTrack, Presence: &domain.Presence{Role: "admin"}}},
		{name: "offer payload not an object", frame: signaling.Frame{Type: signaling.FrameBroadcast, Event: domain.EventViewerOffer, Payload: json.RawMessage(`["bob"]`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.frame))
			frame := readUntil(t, conn, signaling.FrameError)
			assert.Equal(t, "INVALID_INPUT", frame.Code)
		})
	}
}

func TestRelay_BroadcastsCarrySenderIdentity(t *testing.T) {
	f := newRelayFixture(t, Options{})
	mallory := f.dial(t, "room-1", f.token(t, "mallory", domain.RoleViewer))

	var mu sync.Mutex
	var offers []domain.ViewerOfferPayload
	watcher := f.hub.NewChannel("room-1")
	watcher.Events().OnBroadcast(domain.EventViewerOffer, func(raw json.RawMessage) {
		var p domain.ViewerOfferPayload
		if json.Unmarshal(raw, &p) == nil {
			mu.Lock()
			offers = append(offers, p)
			mu.Unlock()
		}
	})
	require.NoError(t, watcher.Subscribe(context.Background()))
	defer watcher.Unsubscribe(context.Background())

	rejected := []struct {
		name    string
		event   domain.EventName
		payload string
	}{
		{name: "offer for another viewer", event: domain.EventViewerOffer, payload: `{"streamerId":"alice","viewerId":"bob"}`},
		{name: "ice for another viewer", event: domain.EventViewerICE, payload: `{"streamerId":"alice","viewerId":"bob"}`},
		{name: "answer from a viewer token", event: domain.EventStreamerAnswer, payload: `{"streamerId":"mallory","viewerId":"bob"}`},
		{name: "viewer count from a viewer token", event: domain.EventViewerCountUpdated, payload: `{"count":0}`},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, mallory.WriteJSON(signaling.Frame{Type: signaling.FrameBroadcast, Event: tt.event, Payload: json.RawMessage(tt.payload)}))
			frame := readUntil(t, mallory, signaling.FrameError)
			assert.Equal(t, "FORBIDDEN", frame.Code)
		})
	}

	require.NoError(t, mallory.WriteJSON(signaling.Frame{
		Type:    signaling.FrameBroadcast,
		Event:   domain.EventViewerOffer,
		Payload: json.RawMessage(`{"streamerId":"alice","viewerId":"mallory","offer":{"type":"offer","sdp":"v=0"}}`),
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(offers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.UserID("mallory"), offers[0].ViewerID)
}

func TestRelay_RateLimitsFrames(t *testing.T) {
	f := newRelayFixture(t, Options{MessagesPerSecond: 0.001, MessageBurst: 1})
	conn := f.dial(t, "room-1", f.token(t, "bob", domain.RoleViewer))

	frame := signaling.Frame{Type: signaling.FrameBroadcast, Event: domain.EventViewerOffer, Payload: json.RawMessage(`{"viewerId":"bob"}`)}
	require.NoError(t, conn.WriteJSON(frame))
	require.NoError(t, conn.WriteJSON(frame))

	errFrame := readUntil(t, conn, signaling.FrameError)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errFrame.Code)
}

func TestRelay_ClientDriverEndToEnd(t *testing.T) {
	f := newRelayFixture(t, Options{})
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	streamer := wsdriver.NewClient(f.wsURL, f.token(t, "alice", domain.RoleStreamer), logger).NewChannel("room-1")
	viewer := wsdriver.NewClient(f.wsURL, f.token(t, "bob", domain.RoleViewer), logger).NewChannel("room-1")

	var mu sync.Mutex
	var offers []domain.ViewerOfferPayload
	var leaves []string
	bus := streamer.Events()
	bus.OnBroadcast(domain.EventViewerOffer, func(raw json.RawMessage) {
		var p domain.ViewerOfferPayload
		if json.Unmarshal(raw, &p) == nil {
			mu.Lock()
			offers = append(offers, p)
			mu.Unlock()
		}
	})
	bus.OnPresenceLeave(func(key string, _ []domain.Presence) {
		mu.Lock()
		leaves = append(leaves, key)
		mu.Unlock()
	})

	require.NoError(t, streamer.Subscribe(ctx))
	require.NoError(t, streamer.Track(ctx, domain.Presence{Role: domain.RoleStreamer}))
	require.Eventually(t, func() bool {
		_, ok := streamer.PresenceState().Streamer()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, viewer.Subscribe(ctx))
	p, ok := viewer.PresenceState().Streamer()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("alice"), p.UserID)

	require.NoError(t, viewer.Track(ctx, domain.Presence{Role: domain.RoleViewer}))
	require.NoError(t, viewer.Send(ctx, domain.EventViewerOffer, domain.ViewerOfferPayload{
		StreamerID: "alice",
		ViewerID:   "bob",
		Offer:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(offers) == 1 && offers[0].ViewerID == "bob"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return streamer.PresenceState().Count(domain.RoleViewer) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.server.ConnectionCount())

	require.NoError(t, viewer.Unsubscribe(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(leaves) == 1 && leaves[0] == "bob"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.server.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, streamer.Unsubscribe(ctx))
}

func TestRelay_HealthCheck(t *testing.T) {
	f := newRelayFixture(t, Options{})

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["connections"])
}
