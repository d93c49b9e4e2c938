package signaling

import (
	"strconv"
	"sync"

	"codecast/internal/core/domain"
)

// PresenceTable tracks presences by key and per-connection ref.
type PresenceTable struct {
	mu      sync.RWMutex
	entries map[string]map[string]domain.Presence
}

func NewPresenceTable() *PresenceTable {
	return &PresenceTable{entries: make(map[string]map[string]domain.Presence)}
}

// Add reports whether the ref was new.
func (t *PresenceTable) Add(key, ref string, p domain.Presence) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs, ok := t.entries[key]
	if !ok {
		refs = make(map[string]domain.Presence)
		t.entries[key] = refs
	}
	_, existed := refs[ref]
	refs[ref] = p
	return !existed
}

// Remove returns the removed presence and its key, if the ref was present.
func (t *PresenceTable) Remove(ref string) (string, domain.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, refs := range t.entries {
		if p, ok := refs[ref]; ok {
			delete(refs, ref)
			if len(refs) == 0 {
				delete(t.entries, key)
			}
			return key, p, true
		}
	}
	return "", domain.Presence{}, false
}

// RemovePresences drops one entry under key for each presence given. Used by
// drivers that learn about leaves without refs.
func (t *PresenceTable) RemovePresences(key string, presences []domain.Presence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := t.entries[key]
	for _, p := range presences {
		for ref, existing := range refs {
			if existing == p {
				delete(refs, ref)
				break
			}
		}
	}
	if len(refs) == 0 {
		delete(t.entries, key)
	}
}

func (t *PresenceTable) Reset() {
	t.mu.Lock()
	t.entries = make(map[string]map[string]domain.Presence)
	t.mu.Unlock()
}

// Replace swaps the whole table for state. Refs are synthesized per entry.
func (t *PresenceTable) Replace(state domain.PresenceState) {
	entries := make(map[string]map[string]domain.Presence, len(state))
	for key, presences := range state {
		refs := make(map[string]domain.Presence, len(presences))
		for i, p := range presences {
			refs[key+"#"+strconv.Itoa(i)] = p
		}
		entries[key] = refs
	}
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
}

func (t *PresenceTable) State() domain.PresenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state := make(domain.PresenceState, len(t.entries))
	for key, refs := range t.entries {
		for _, p := range refs {
			state[key] = append(state[key], p)
		}
	}
	return state
}
