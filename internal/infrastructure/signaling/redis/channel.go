package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/internal/infrastructure/signaling"
	"codecast/pkg/distributed"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultPresenceRefresh = 5 * time.Second
	DefaultPresenceTTL     = 15 * time.Second

	keyPrefix = "codecast"
)

type envelopeType string

const (
	envelopeJoin      envelopeType = "join"
	envelopeLeave     envelopeType = "leave"
	envelopeBroadcast envelopeType = "broadcast"
)

// envelope is what travels over the topic's pub/sub channel.
type envelope struct {
	Type     envelopeType     `json:"type"`
	Sender   string           `json:"sender"`
	Ref      string           `json:"ref,omitempty"`
	Key      string           `json:"key,omitempty"`
	Presence *domain.Presence `json:"presence,omitempty"`
	Event    domain.EventName `json:"event,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// presenceRecord is the value stored per connection ref in the presence hash.
type presenceRecord struct {
	Key      string          `json:"key"`
	Presence domain.Presence `json:"presence"`
}

type Options struct {
	// PresenceRefresh is how often a tracked connection bumps its liveness score
	// and reaps stale entries.
	PresenceRefresh time.Duration
	// PresenceTTL is how long an entry survives without a refresh.
	PresenceTTL time.Duration
	Clock       clockwork.Clock
}

// Client implements ports.SignalingClient on Redis pub/sub. Presence lives in a
// hash per topic with a sorted set of last-seen times, so a process that dies
// without unsubscribing is reaped by its peers and announced as a leave.
type Client struct {
	rdb    *redis.Client
	opts   Options
	logger *zap.SugaredLogger
}

func NewClient(rdb *redis.Client, opts Options, logger *zap.SugaredLogger) *Client {
	if opts.PresenceRefresh <= 0 {
		opts.PresenceRefresh = DefaultPresenceRefresh
	}
	if opts.PresenceTTL <= opts.PresenceRefresh {
		opts.PresenceTTL = 3 * opts.PresenceRefresh
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Client{rdb: rdb, opts: opts, logger: logger}
}

func (c *Client) Channel(topic string) ports.SignalingChannel {
	return c.NewChannel(topic)
}

func (c *Client) NewChannel(topic string) *Channel {
	return &Channel{
		client:     c,
		topic:      topic,
		ref:        uuid.NewString(),
		dispatcher: signaling.NewDispatcher(),
		presence:   signaling.NewPresenceTable(),
		logger:     c.logger.With("topic", topic),
	}
}

type Channel struct {
	client     *Client
	topic      string
	ref        string
	dispatcher *signaling.Dispatcher
	presence   *signaling.PresenceTable
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	tracked  bool
	stop     chan struct{}
	finished sync.WaitGroup
}

func (c *Channel) signalKey() string   { return keyPrefix + ":signal:" + c.topic }
func (c *Channel) presenceKey() string { return keyPrefix + ":presence:" + c.topic }
func (c *Channel) aliveKey() string    { return keyPrefix + ":alive:" + c.topic }
func (c *Channel) reapKey() string     { return keyPrefix + ":reap:" + c.topic }

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) Ref() string { return c.ref }

func (c *Channel) Events() ports.EventBus { return c.dispatcher.NewBus() }

func (c *Channel) PresenceState() domain.PresenceState { return c.presence.State() }

func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil {
		return nil
	}

	ps := c.client.rdb.Subscribe(ctx, c.signalKey())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrSignalingUnavailable, c.topic, err)
	}
	if err := c.loadPresence(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%w: load presence: %v", domain.ErrSignalingUnavailable, err)
	}

	c.pubsub = ps
	c.stop = make(chan struct{})
	c.finished.Add(2)
	go c.listen(ps.Channel())
	go c.heartbeat(c.stop)

	c.dispatcher.DispatchSync(c.presence.State())
	return nil
}

func (c *Channel) loadPresence(ctx context.Context) error {
	entries, err := c.client.rdb.HGetAll(ctx, c.presenceKey()).Result()
	if err != nil {
		return err
	}
	c.presence.Reset()
	for ref, raw := range entries {
		var rec presenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			c.logger.Warnw("skipping malformed presence record", "ref", ref, "error", err)
			continue
		}
		c.presence.Add(rec.Key, ref, rec.Presence)
	}
	return nil
}

func (c *Channel) Track(ctx context.Context, presence domain.Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub == nil {
		return fmt.Errorf("%w: channel is not subscribed", domain.ErrSignalingUnavailable)
	}

	key := string(presence.UserID)
	record, err := json.Marshal(presenceRecord{Key: key, Presence: presence})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	msg, err := json.Marshal(envelope{Type: envelopeJoin, Sender: c.ref, Ref: c.ref, Key: key, Presence: &presence})
	if err != nil {
		return fmt.Errorf("failed to marshal join: %w", err)
	}

	rdb := c.client.rdb
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.presenceKey(), c.ref, record)
		pipe.ZAdd(ctx, c.aliveKey(), redis.Z{Score: c.nowScore(), Member: c.ref})
		pipe.Publish(ctx, c.signalKey(), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: track presence: %v", domain.ErrSignalingUnavailable, err)
	}
	c.tracked = true
	return nil
}

func (c *Channel) Send(ctx context.Context, event domain.EventName, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	msg, err := json.Marshal(envelope{Type: envelopeBroadcast, Sender: c.ref, Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	c.mu.Lock()
	subscribed := c.pubsub != nil
	c.mu.Unlock()
	if !subscribed {
		return fmt.Errorf("%w: channel is not subscribed", domain.ErrSignalingUnavailable)
	}

	if err := c.client.rdb.Publish(ctx, c.signalKey(), msg).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrSignalingUnavailable, event, err)
	}
	return nil
}

// Unsubscribe untracks presence, announces the leave and stops listening. Idempotent.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	ps := c.pubsub
	if ps == nil {
		c.mu.Unlock()
		return nil
	}
	c.pubsub = nil
	close(c.stop)
	tracked := c.tracked
	c.tracked = false
	c.mu.Unlock()

	var firstErr error
	if tracked {
		if _, err := c.removeRef(ctx, c.ref); err != nil {
			firstErr = fmt.Errorf("%w: untrack presence: %v", domain.ErrSignalingUnavailable, err)
		}
	}
	if err := ps.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.finished.Wait()
	c.presence.Reset()
	return firstErr
}

// removeRef deletes one presence entry and announces its leave. Only the caller
// whose ZREM actually removed the ref publishes, so a reaped entry leaves once.
func (c *Channel) removeRef(ctx context.Context, ref string) (bool, error) {
	rdb := c.client.rdb
	removed, err := rdb.ZRem(ctx, c.aliveKey(), ref).Result()
	if err != nil {
		return false, err
	}
	raw, err := rdb.HGet(ctx, c.presenceKey(), ref).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if err := rdb.HDel(ctx, c.presenceKey(), ref).Err(); err != nil {
		return false, err
	}
	if removed == 0 || raw == "" {
		return false, nil
	}

	var rec presenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	msg, err := json.Marshal(envelope{Type: envelopeLeave, Sender: c.ref, Ref: ref, Key: rec.Key, Presence: &rec.Presence})
	if err != nil {
		return false, fmt.Errorf("failed to marshal leave: %w", err)
	}
	if err := rdb.Publish(ctx, c.signalKey(), msg).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Channel) listen(messages <-chan *redis.Message) {
	defer c.finished.Done()
	for msg := range messages {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.logger.Warnw("failed to unmarshal signaling envelope", "error", err)
			continue
		}

		switch env.Type {
		case envelopeJoin:
			if env.Presence == nil {
				continue
			}
			c.presence.Add(env.Key, env.Ref, *env.Presence)
			c.dispatcher.DispatchJoin(env.Key, []domain.Presence{*env.Presence})
			c.dispatcher.DispatchSync(c.presence.State())
		case envelopeLeave:
			key, presence, ok := c.presence.Remove(env.Ref)
			if !ok {
				continue
			}
			c.dispatcher.DispatchLeave(key, []domain.Presence{presence})
			c.dispatcher.DispatchSync(c.presence.State())
		case envelopeBroadcast:
			if env.Sender == c.ref {
				continue
			}
			c.dispatcher.DispatchBroadcast(env.Event, env.Payload)
		default:
			c.logger.Debugw("ignoring unknown envelope", "type", env.Type)
		}
	}
}

func (c *Channel) heartbeat(stop <-chan struct{}) {
	defer c.finished.Done()
	ticker := c.client.opts.Clock.NewTicker(c.client.opts.PresenceRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), c.client.opts.PresenceRefresh)
			c.refresh(ctx)
			c.reap(ctx)
			cancel()
		}
	}
}

func (c *Channel) refresh(ctx context.Context) {
	c.mu.Lock()
	tracked := c.tracked
	c.mu.Unlock()
	if !tracked {
		return
	}
	if err := c.client.rdb.ZAdd(ctx, c.aliveKey(), redis.Z{Score: c.nowScore(), Member: c.ref}).Err(); err != nil {
		c.logger.Warnw("failed to refresh presence", "error", err)
	}
}

// reap removes entries that stopped refreshing. One member per topic sweeps at
// a time; the others skip the round.
func (c *Channel) reap(ctx context.Context) {
	lock := distributed.NewLock(c.client.rdb, c.reapKey(), c.client.opts.PresenceRefresh)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		c.logger.Warnw("failed to take reap lock", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			c.logger.Debugw("failed to release reap lock", "error", err)
		}
	}()

	cutoff := c.client.opts.Clock.Now().Add(-c.client.opts.PresenceTTL).UnixMilli()
	stale, err := c.client.rdb.ZRangeByScore(ctx, c.aliveKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		c.logger.Warnw("failed to list stale presences", "error", err)
		return
	}
	for _, ref := range stale {
		reaped, err := c.removeRef(ctx, ref)
		if err != nil {
			c.logger.Warnw("failed to reap stale presence", "ref", ref, "error", err)
			continue
		}
		if reaped {
			c.logger.Infow("reaped stale presence", "ref", ref)
		}
	}
}

func (c *Channel) nowScore() float64 {
	return float64(c.client.opts.Clock.Now().UnixMilli())
}
