package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"codecast/internal/core/domain"
	"codecast/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(Config{
		BaseURL:        ts.URL + "/",
		Token:          "secret",
		Timeout:        time.Second,
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
	}, zap.NewNop().Sugar())
}

func TestClient_StartSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/stream/start", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"problemId": "two-sum", "roomId": "room-1"}, body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"streamId":"stream-42"}`))
	}, 0)

	streamID, err := client.StartSession(context.Background(), "two-sum", "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamID("stream-42"), streamID)
}

func TestClient_StartSessionRequiresStreamID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}, 0)

	_, err := client.StartSession(context.Background(), "", "room-1")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestClient_UpdateViewerCount(t *testing.T) {
	var got viewerCountRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream/viewer-count", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}, 0)

	require.NoError(t, client.UpdateViewerCount(context.Background(), "stream-42", 7))
	assert.Equal(t, viewerCountRequest{StreamID: "stream-42", ViewerCount: 7}, got)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}, 3)

	require.NoError(t, client.ViewerHeartbeat(context.Background()))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)

	err := client.StopSession(context.Background())
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, 5)

	err := client.StopSession(context.Background())
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "401")
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_HonoursContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := client.ViewerHeartbeat(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_BreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(Config{
		BaseURL:          ts.URL,
		Timeout:          time.Second,
		InitialBackoff:   time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, zap.NewNop().Sugar())

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, client.ViewerHeartbeat(context.Background()), ErrRequestFailed)
	}
	assert.Equal(t, circuitbreaker.StateOpen, client.BreakerState())

	err := client.ViewerHeartbeat(context.Background())
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(Config{
		BaseURL:          ts.URL,
		Timeout:          time.Second,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	}, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, client.StopSession(context.Background()), ErrRequestFailed)
	}
	assert.Equal(t, circuitbreaker.StateClosed, client.BreakerState())
}
