package domain

type Role string

const (
	RoleStreamer Role = "streamer"
	RoleViewer   Role = "viewer"
)

// Presence is the metadata a participant tracks on the signaling channel.
type Presence struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// PresenceState maps a presence key to every presence tracked under it.
// One user with two connections shows up as two entries under the same key.
type PresenceState map[string][]Presence

// Streamer returns the first streamer presence, ordered by key for determinism.
func (s PresenceState) Streamer() (Presence, bool) {
	var (
		found Presence
		key   string
		ok    bool
	)
	for k, presences := range s {
		for _, p := range presences {
			if p.Role != RoleStreamer {
				continue
			}
			if !ok || k < key {
				found, key, ok = p, k, true
			}
			break
		}
	}
	return found, ok
}

// Count returns the number of presences with the given role.
func (s PresenceState) Count(role Role) int {
	n := 0
	for _, presences := range s {
		for _, p := range presences {
			if p.Role == role {
				n++
			}
		}
	}
	return n
}

func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, presences := range s {
		out[k] = append([]Presence(nil), presences...)
	}
	return out
}
