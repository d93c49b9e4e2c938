package services

import (
	"context"
	"sync"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const registryCallTimeout = 5 * time.Second

// periodic posts fn onto the loop every interval until stopped. A non-positive
// interval disables it, which is how tests turn the fallback polls off.
type periodic struct {
	stopOnce sync.Once
	stop     chan struct{}
}

func startPeriodic(clock clockwork.Clock, interval time.Duration, loop *eventLoop, fn func()) *periodic {
	p := &periodic{stop: make(chan struct{})}
	if interval <= 0 {
		return p
	}

	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.Chan():
				if !loop.post(fn) {
					return
				}
			}
		}
	}()
	return p
}

func (p *periodic) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
}

// viewerCountPusher forwards roster sizes to the session registry off the event
// loop. Only the latest value matters, so a pending push is overwritten.
type viewerCountPusher struct {
	registry ports.SessionRegistry
	streamID domain.StreamID
	logger   *zap.SugaredLogger

	pending chan int
	stop    chan struct{}
	done    chan struct{}
}

func newViewerCountPusher(registry ports.SessionRegistry, streamID domain.StreamID, logger *zap.SugaredLogger) *viewerCountPusher {
	p := &viewerCountPusher{
		registry: registry,
		streamID: streamID,
		logger:   logger,
		pending:  make(chan int, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *viewerCountPusher) Push(count int) {
	for {
		select {
		case p.pending <- count:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Close flushes the last pending count and stops the worker.
func (p *viewerCountPusher) Close() {
	close(p.stop)
	<-p.done
}

func (p *viewerCountPusher) run() {
	defer close(p.done)
	for {
		select {
		case count := <-p.pending:
			p.send(count)
		case <-p.stop:
			select {
			case count := <-p.pending:
				p.send(count)
			default:
			}
			return
		}
	}
}

func (p *viewerCountPusher) send(count int) {
	ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
	defer cancel()

	if err := p.registry.UpdateViewerCount(ctx, p.streamID, count); err != nil {
		p.logger.Warnw("failed to push viewer count",
			"stream_id", p.streamID,
			"count", count,
			"error", err,
		)
	}
}

// keepAlive pings the session registry while a viewer is connected so the
// server-side record can expire viewers whose client died without unsubscribing.
type keepAlive struct {
	stopOnce sync.Once
	stop     chan struct{}
}

func startKeepAlive(clock clockwork.Clock, interval time.Duration, registry ports.SessionRegistry, logger *zap.SugaredLogger) *keepAlive {
	k := &keepAlive{stop: make(chan struct{})}
	if interval <= 0 || registry == nil {
		return k
	}

	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-ticker.Chan():
				ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
				if err := registry.ViewerHeartbeat(ctx); err != nil {
					logger.Warnw("viewer heartbeat failed", "error", err)
				}
				cancel()
			}
		}
	}()
	return k
}

func (k *keepAlive) Stop() {
	if k == nil {
		return
	}
	k.stopOnce.Do(func() { close(k.stop) })
}
