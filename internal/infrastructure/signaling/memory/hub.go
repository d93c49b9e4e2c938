package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/internal/infrastructure/signaling"

	"github.com/google/uuid"
)

type DeliveryKind string

const (
	DeliverySync      DeliveryKind = "sync"
	DeliveryJoin      DeliveryKind = "join"
	DeliveryLeave     DeliveryKind = "leave"
	DeliveryBroadcast DeliveryKind = "broadcast"
)

// Delivery describes one message about to be handed to a subscriber.
type Delivery struct {
	Topic string
	Kind  DeliveryKind
	Event domain.EventName
	// From is the ref of the sending channel, To the ref of the receiving one.
	From string
	To   string
}

// DropFunc returns true to silently drop a delivery.
type DropFunc func(d Delivery) bool

var ErrNotSubscribed = fmt.Errorf("%w: channel is not subscribed", domain.ErrSignalingUnavailable)

// Hub is an in-process signaling service. Deliveries happen synchronously on
// the sender's goroutine, after the hub lock is released.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	drop   DropFunc
}

type topic struct {
	members  map[string]*Channel
	presence *signaling.PresenceTable
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// SetDropFilter installs f, or removes the filter when f is nil.
func (h *Hub) SetDropFilter(f DropFunc) {
	h.mu.Lock()
	h.drop = f
	h.mu.Unlock()
}

func (h *Hub) Channel(name string) ports.SignalingChannel {
	return h.NewChannel(name)
}

// NewChannel is Channel returning the concrete type.
func (h *Hub) NewChannel(name string) *Channel {
	return &Channel{
		hub:        h,
		topic:      name,
		ref:        uuid.NewString(),
		dispatcher: signaling.NewDispatcher(),
	}
}

// Members returns the number of subscribed channels on a topic.
func (h *Hub) Members(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[name]; ok {
		return len(t.members)
	}
	return 0
}

func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{
			members:  make(map[string]*Channel),
			presence: signaling.NewPresenceTable(),
		}
		h.topics[name] = t
	}
	return t
}

type delivery struct {
	to   *Channel
	info Delivery
	run  func(d *signaling.Dispatcher)
}

func (h *Hub) deliver(deliveries []delivery) {
	h.mu.Lock()
	drop := h.drop
	h.mu.Unlock()

	for _, d := range deliveries {
		if drop != nil && drop(d.info) {
			continue
		}
		d.run(d.to.dispatcher)
	}
}

// Channel is one connection to a Hub topic.
type Channel struct {
	hub        *Hub
	topic      string
	ref        string
	dispatcher *signaling.Dispatcher

	// guarded by hub.mu
	subscribed bool
	tracked    bool
}

func (c *Channel) Topic() string { return c.topic }

// Ref identifies this connection in Delivery values.
func (c *Channel) Ref() string { return c.ref }

func (c *Channel) Events() ports.EventBus { return c.dispatcher.NewBus() }

func (c *Channel) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.mu.Lock()
	t := c.hub.topicLocked(c.topic)
	c.subscribed = true
	t.members[c.ref] = c
	state := t.presence.State()
	c.hub.mu.Unlock()

	c.hub.deliver([]delivery{{
		to:   c,
		info: Delivery{Topic: c.topic, Kind: DeliverySync, From: c.ref, To: c.ref},
		run:  func(d *signaling.Dispatcher) { d.DispatchSync(state) },
	}})
	return nil
}

func (c *Channel) Track(ctx context.Context, presence domain.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.mu.Lock()
	if !c.subscribed {
		c.hub.mu.Unlock()
		return ErrNotSubscribed
	}
	t := c.hub.topicLocked(c.topic)
	key := string(presence.UserID)
	t.presence.Remove(c.ref)
	t.presence.Add(key, c.ref, presence)
	c.tracked = true
	state := t.presence.State()
	deliveries := c.diffDeliveriesLocked(t, DeliveryJoin, key, presence, state)
	c.hub.mu.Unlock()

	c.hub.deliver(deliveries)
	return nil
}

func (c *Channel) Send(ctx context.Context, event domain.EventName, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	c.hub.mu.Lock()
	if !c.subscribed {
		c.hub.mu.Unlock()
		return ErrNotSubscribed
	}
	t := c.hub.topicLocked(c.topic)
	var deliveries []delivery
	for ref, member := range t.members {
		if ref == c.ref {
			continue
		}
		deliveries = append(deliveries, delivery{
			to:   member,
			info: Delivery{Topic: c.topic, Kind: DeliveryBroadcast, Event: event, From: c.ref, To: ref},
			run:  func(d *signaling.Dispatcher) { d.DispatchBroadcast(event, raw) },
		})
	}
	c.hub.mu.Unlock()

	c.hub.deliver(deliveries)
	return nil
}

func (c *Channel) PresenceState() domain.PresenceState {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if !c.subscribed {
		return domain.PresenceState{}
	}
	return c.hub.topicLocked(c.topic).presence.State()
}

// Unsubscribe leaves the topic and untracks presence. Idempotent.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.hub.mu.Lock()
	if !c.subscribed {
		c.hub.mu.Unlock()
		return nil
	}
	t := c.hub.topicLocked(c.topic)
	delete(t.members, c.ref)
	c.subscribed = false

	var deliveries []delivery
	if c.tracked {
		c.tracked = false
		if key, presence, ok := t.presence.Remove(c.ref); ok {
			deliveries = c.diffDeliveriesLocked(t, DeliveryLeave, key, presence, t.presence.State())
		}
	}
	if len(t.members) == 0 {
		delete(c.hub.topics, c.topic)
	}
	c.hub.mu.Unlock()

	c.hub.deliver(deliveries)
	return nil
}

// diffDeliveriesLocked builds a join or leave diff followed by a sync for every member.
func (c *Channel) diffDeliveriesLocked(t *topic, kind DeliveryKind, key string, presence domain.Presence, state domain.PresenceState) []delivery {
	presences := []domain.Presence{presence}
	deliveries := make([]delivery, 0, 2*len(t.members))
	for ref, member := range t.members {
		deliveries = append(deliveries,
			delivery{
				to:   member,
				info: Delivery{Topic: c.topic, Kind: kind, From: c.ref, To: ref},
				run: func(d *signaling.Dispatcher) {
					if kind == DeliveryJoin {
						d.DispatchJoin(key, presences)
					} else {
						d.DispatchLeave(key, presences)
					}
				},
			},
			delivery{
				to:   member,
				info: Delivery{Topic: c.topic, Kind: DeliverySync, From: c.ref, To: ref},
				run:  func(d *signaling.Dispatcher) { d.DispatchSync(state) },
			},
		)
	}
	return deliveries
}
