package signaling

import (
	"encoding/json"
	"sync"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
)

// AnyBroadcastHandler receives every broadcast with its event name.
type AnyBroadcastHandler func(event domain.EventName, payload json.RawMessage)

// WildcardBus is implemented by buses that can observe every broadcast event.
// The relay uses it to forward events it does not know by name.
type WildcardBus interface {
	ports.EventBus
	OnAnyBroadcast(h AnyBroadcastHandler)
}

// Dispatcher fans channel events out to handlers registered through EventBus
// groups. Handlers run on the dispatching goroutine and must not block.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	groups map[uint64]*bus
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{groups: make(map[uint64]*bus)}
}

// NewBus returns a registration group. Dispose on it removes every handler it added.
func (d *Dispatcher) NewBus() ports.EventBus {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	b := &bus{
		id:         d.nextID,
		dispatcher: d,
		broadcast:  make(map[domain.EventName][]ports.BroadcastHandler),
	}
	d.groups[b.id] = b
	return b
}

func (d *Dispatcher) DispatchSync(state domain.PresenceState) {
	for _, b := range d.snapshot() {
		for _, h := range b.syncHandlers() {
			h(state.Clone())
		}
	}
}

func (d *Dispatcher) DispatchJoin(key string, presences []domain.Presence) {
	for _, b := range d.snapshot() {
		for _, h := range b.joinHandlers() {
			h(key, append([]domain.Presence(nil), presences...))
		}
	}
}

func (d *Dispatcher) DispatchLeave(key string, presences []domain.Presence) {
	for _, b := range d.snapshot() {
		for _, h := range b.leaveHandlers() {
			h(key, append([]domain.Presence(nil), presences...))
		}
	}
}

func (d *Dispatcher) DispatchBroadcast(event domain.EventName, payload json.RawMessage) {
	for _, b := range d.snapshot() {
		for _, h := range b.broadcastHandlers(event) {
			h(payload)
		}
		for _, h := range b.anyHandlers() {
			h(event, payload)
		}
	}
}

// Len returns the number of live registration groups.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}

func (d *Dispatcher) snapshot() []*bus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*bus, 0, len(d.groups))
	for _, b := range d.groups {
		out = append(out, b)
	}
	return out
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	delete(d.groups, id)
	d.mu.Unlock()
}

type bus struct {
	id         uint64
	dispatcher *Dispatcher

	mu        sync.RWMutex
	disposed  bool
	sync      []ports.PresenceSyncHandler
	join      []ports.PresenceDiffHandler
	leave     []ports.PresenceDiffHandler
	broadcast map[domain.EventName][]ports.BroadcastHandler
	any       []AnyBroadcastHandler
}

func (b *bus) OnPresenceSync(h ports.PresenceSyncHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disposed {
		b.sync = append(b.sync, h)
	}
}

func (b *bus) OnPresenceJoin(h ports.PresenceDiffHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disposed {
		b.join = append(b.join, h)
	}
}

func (b *bus) OnPresenceLeave(h ports.PresenceDiffHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disposed {
		b.leave = append(b.leave, h)
	}
}

func (b *bus) OnBroadcast(event domain.EventName, h ports.BroadcastHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disposed {
		b.broadcast[event] = append(b.broadcast[event], h)
	}
}

func (b *bus) OnAnyBroadcast(h AnyBroadcastHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disposed {
		b.any = append(b.any, h)
	}
}

// Dispose is idempotent. No handler of this group runs after it returns,
// except one already in flight on another goroutine.
func (b *bus) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.sync, b.join, b.leave, b.broadcast, b.any = nil, nil, nil, nil, nil
	b.mu.Unlock()
	b.dispatcher.remove(b.id)
}

func (b *bus) syncHandlers() []ports.PresenceSyncHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sync
}

func (b *bus) joinHandlers() []ports.PresenceDiffHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.join
}

func (b *bus) leaveHandlers() []ports.PresenceDiffHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leave
}

func (b *bus) anyHandlers() []AnyBroadcastHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.any
}

func (b *bus) broadcastHandlers(event domain.EventName) []ports.BroadcastHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.broadcast[event]
}
