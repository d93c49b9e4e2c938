package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"codecast/internal/core/domain"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPeriodic_FiresOnTheLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := newEventLoop()
	defer loop.close()

	var mu sync.Mutex
	fired := 0
	p := startPeriodic(clock, time.Second, loop, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, waitFor, tick)

	p.Stop()
	p.Stop()
	require.NoError(t, clock.BlockUntilContext(ctx, 0))
}

func TestPeriodic_DisabledByZeroInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := newEventLoop()
	defer loop.close()

	p := startPeriodic(clock, 0, loop, func() { t.Error("disabled periodic fired") })
	clock.Advance(time.Hour)
	require.NoError(t, loop.call(context.Background(), func() {}))
	p.Stop()

	var nilPeriodic *periodic
	nilPeriodic.Stop()
}

func TestViewerCountPusher_KeepsLatest(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	registry := &mockRegistry{}
	registry.On("UpdateViewerCount", mock.Anything, domain.StreamID("stream-1"), 1).Return(nil).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Once()
	registry.On("UpdateViewerCount", mock.Anything, domain.StreamID("stream-1"), 4).Return(nil).Once()

	pusher := newViewerCountPusher(registry, "stream-1", zaptest.NewLogger(t).Sugar())
	pusher.Push(1)
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first count never pushed")
	}

	// the worker is blocked on 1, so only the newest of these survives
	pusher.Push(2)
	pusher.Push(3)
	pusher.Push(4)
	close(release)
	pusher.Close()

	registry.AssertExpectations(t)
	registry.AssertNumberOfCalls(t, "UpdateViewerCount", 2)
}

func TestKeepAlive_Beats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	beats := make(chan struct{}, 4)
	registry := &mockRegistry{}
	registry.On("ViewerHeartbeat", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		beats <- struct{}{}
	})

	k := startKeepAlive(clock, 20*time.Second, registry, zaptest.NewLogger(t).Sugar())
	defer k.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(20 * time.Second)
	select {
	case <-beats:
	case <-time.After(waitFor):
		t.Fatal("no heartbeat")
	}
}

func TestKeepAlive_WithoutRegistry(t *testing.T) {
	k := startKeepAlive(clockwork.NewFakeClock(), time.Second, nil, zaptest.NewLogger(t).Sugar())
	k.Stop()
	assert.NotNil(t, k)
}
