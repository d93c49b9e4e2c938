package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/internal/infrastructure/signaling"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectWindow  = 30 * time.Second
	maxReconnectInterval    = 5 * time.Second
)

// Client implements ports.SignalingClient against a relay server.
type Client struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	reconnectInitial time.Duration
	reconnectWindow  time.Duration
}

// NewClient connects to the relay at rawURL, typically ws://host:port/ws.
func NewClient(rawURL, token string, logger *zap.SugaredLogger) *Client {
	return &Client{
		url:              rawURL,
		token:            token,
		dialer:           &websocket.Dialer{HandshakeTimeout: writeWait},
		logger:           logger,
		reconnectInitial: defaultReconnectInitial,
		reconnectWindow:  defaultReconnectWindow,
	}
}

// SetReconnectPolicy sets how a lost relay connection is redialed. A window of
// zero gives up after a single attempt.
func (c *Client) SetReconnectPolicy(initial, window time.Duration) *Client {
	if initial > 0 {
		c.reconnectInitial = initial
	}
	c.reconnectWindow = window
	return c
}

func (c *Client) Channel(topic string) ports.SignalingChannel {
	return c.NewChannel(topic)
}

func (c *Client) NewChannel(topic string) *Channel {
	return &Channel{
		client:     c,
		topic:      topic,
		dispatcher: signaling.NewDispatcher(),
		presence:   signaling.NewPresenceTable(),
		logger:     c.logger.With("topic", topic),
	}
}

func (c *Client) endpoint(topic string) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", c.url, err)
	}
	q := u.Query()
	q.Set("room", topic)
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel is one relay connection joined to one topic. The relay echoes nothing
// back to the sender, matching the other drivers.
//
// A connection lost while subscribed is redialed with backoff and the tracked
// presence is sent again. Presence that changed while disconnected is replayed
// as joins and leaves. If the relay stays unreachable for the whole window the
// channel reports every presence as left followed by an empty sync, and stays
// unsubscribed.
type Channel struct {
	client     *Client
	topic      string
	dispatcher *signaling.Dispatcher
	presence   *signaling.PresenceTable
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	session  *session
	tracked  *domain.Presence
	lifetime context.Context // nil while unsubscribed
	stop     context.CancelFunc
	loops    sync.WaitGroup
}

// session is one dialed connection and its reader.
type session struct {
	conn    *websocket.Conn
	done    chan struct{}
	closing atomic.Bool
	writeMu sync.Mutex

	// set by the reader when the connection failed, guarded by Channel.mu
	dead bool
}

func (s *session) shutdown() {
	s.closing.Store(true)
	_ = s.conn.Close()
	<-s.done
}

func (s *session) write(ctx context.Context, frame signaling.Frame) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: write %s frame: %v", domain.ErrSignalingUnavailable, frame.Type, err)
	}
	return nil
}

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) Events() ports.EventBus { return c.dispatcher.NewBus() }

func (c *Channel) PresenceState() domain.PresenceState { return c.presence.State() }

// Subscribe dials the relay and returns once the initial presence state arrived.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	subscribed := c.lifetime != nil
	c.mu.Unlock()
	if subscribed {
		return nil
	}

	s, err := c.dial(ctx, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.lifetime != nil {
		c.mu.Unlock()
		s.shutdown()
		return nil
	}
	if s.dead {
		c.mu.Unlock()
		return fmt.Errorf("%w: relay closed during subscribe", domain.ErrSignalingUnavailable)
	}
	c.session = s
	c.lifetime, c.stop = context.WithCancel(context.Background())
	c.mu.Unlock()
	return nil
}

// dial connects and waits for the first presence state.
func (c *Channel) dial(ctx context.Context, resumed bool) (*session, error) {
	endpoint, err := c.client.endpoint(c.topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	conn, resp, err := c.client.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: relay refused connection: %s", domain.ErrSignalingUnavailable, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial relay: %v", domain.ErrSignalingUnavailable, err)
	}

	s := &session{conn: conn, done: make(chan struct{})}
	synced := make(chan struct{})
	go c.readLoop(s, synced, resumed)

	select {
	case <-synced:
		return s, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: relay closed before presence sync", domain.ErrSignalingUnavailable)
	case <-ctx.Done():
		s.shutdown()
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, ctx.Err())
	}
}

func (c *Channel) Track(ctx context.Context, presence domain.Presence) error {
	if err := c.write(ctx, signaling.Frame{Type: signaling.FrameTrack, Presence: &presence}); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = &presence
	c.mu.Unlock()
	return nil
}

func (c *Channel) Send(ctx context.Context, event domain.EventName, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return c.write(ctx, signaling.Frame{Type: signaling.FrameBroadcast, Event: event, Payload: raw})
}

func (c *Channel) write(ctx context.Context, frame signaling.Frame) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: channel is not connected", domain.ErrSignalingUnavailable)
	}
	return s.write(ctx, frame)
}

// Unsubscribe closes the relay connection and stops any reconnect in flight.
// The relay announces the leave. Idempotent.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	s, stop := c.session, c.stop
	c.session, c.stop, c.lifetime, c.tracked = nil, nil, nil, nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	c.loops.Wait()

	if s != nil {
		s.closing.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()

		// wait for the relay to echo the close
		select {
		case <-s.done:
		case <-ctx.Done():
		case <-time.After(writeWait):
		}
		s.shutdown()
	}
	c.presence.Reset()
	return nil
}

// lost runs on the reader of a failed connection.
func (c *Channel) lost(s *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.dead = true
	if c.session != s || s.closing.Load() {
		return
	}
	c.session = nil
	if c.lifetime == nil {
		return
	}
	c.logger.Warnw("relay connection lost, reconnecting", "error", err)
	c.loops.Add(1)
	go c.reconnect(c.lifetime)
}

func (c *Channel) reconnect(ctx context.Context) {
	defer c.loops.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.client.reconnectInitial
	b.MaxInterval = maxReconnectInterval
	b.MaxElapsedTime = c.client.reconnectWindow
	var policy backoff.BackOff = b
	if c.client.reconnectWindow <= 0 {
		// MaxElapsedTime of zero means retry forever
		policy = &backoff.StopBackOff{}
	}

	attempt := 0
	operation := func() error {
		attempt++
		return c.resume(ctx)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debugw("relay reconnect attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	switch {
	case err == nil:
		c.logger.Infow("relay connection restored", "attempts", attempt)
	case ctx.Err() != nil:
	default:
		c.logger.Errorw("giving up on relay connection", "attempts", attempt, "error", err)
		c.abandon(ctx)
	}
}

// resume dials a replacement session and tracks the presence again before
// making it current.
func (c *Channel) resume(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	s, err := c.dial(attemptCtx, true)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	c.mu.Lock()
	tracked := c.tracked
	c.mu.Unlock()
	if tracked != nil {
		if err := s.write(attemptCtx, signaling.Frame{Type: signaling.FrameTrack, Presence: tracked}); err != nil {
			s.shutdown()
			return err
		}
	}

	c.mu.Lock()
	if c.lifetime != ctx {
		c.mu.Unlock()
		s.shutdown()
		return backoff.Permanent(context.Canceled)
	}
	if s.dead {
		c.mu.Unlock()
		return fmt.Errorf("%w: relay closed during reconnect", domain.ErrSignalingUnavailable)
	}
	c.session = s
	c.mu.Unlock()
	return nil
}

// abandon ends the subscription after reconnecting failed. Every presence is
// reported as left, the own one included, followed by an empty sync.
func (c *Channel) abandon(ctx context.Context) {
	c.mu.Lock()
	if c.lifetime != ctx {
		c.mu.Unlock()
		return
	}
	c.stop()
	c.stop, c.lifetime, c.tracked = nil, nil, nil
	c.mu.Unlock()

	prev := c.presence.State()
	c.presence.Reset()
	c.dispatchDiff(prev, domain.PresenceState{}, "")
	c.dispatcher.DispatchSync(domain.PresenceState{})
}

func (c *Channel) selfKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracked == nil {
		return ""
	}
	return string(c.tracked.UserID)
}

// dispatchDiff emits leaves for keys missing from next and joins for keys new
// in next, skipping self.
func (c *Channel) dispatchDiff(prev, next domain.PresenceState, self string) {
	for _, key := range sortedKeys(prev) {
		if _, ok := next[key]; !ok && key != self {
			c.dispatcher.DispatchLeave(key, prev[key])
		}
	}
	for _, key := range sortedKeys(next) {
		if _, ok := prev[key]; !ok && key != self {
			c.dispatcher.DispatchJoin(key, next[key])
		}
	}
}

func sortedKeys(state domain.PresenceState) []string {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *Channel) readLoop(s *session, synced chan struct{}, resumed bool) {
	defer close(s.done)
	first := true

	for {
		var frame signaling.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			c.lost(s, err)
			return
		}

		switch frame.Type {
		case signaling.FramePresenceState:
			// The relay sends a full state after every diff, so the table is
			// rebuilt from it rather than patched.
			if first && resumed {
				prev := c.presence.State()
				c.presence.Replace(frame.State)
				c.dispatchDiff(prev, frame.State, c.selfKey())
			} else {
				c.presence.Replace(frame.State)
			}
			c.dispatcher.DispatchSync(c.presence.State())
			if first {
				first = false
				close(synced)
			}
		case signaling.FramePresenceJoin:
			c.dispatcher.DispatchJoin(frame.Key, frame.Presences)
		case signaling.FramePresenceLeave:
			// handlers must see the remaining entries of the key, as with the
			// other drivers
			c.presence.RemovePresences(frame.Key, frame.Presences)
			c.dispatcher.DispatchLeave(frame.Key, frame.Presences)
		case signaling.FrameBroadcast:
			c.dispatcher.DispatchBroadcast(frame.Event, frame.Payload)
		case signaling.FrameError:
			c.logger.Warnw("relay rejected frame", "code", frame.Code, "message", frame.Message)
		default:
			c.logger.Debugw("ignoring unknown relay frame", "type", frame.Type)
		}
	}
}
