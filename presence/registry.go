// Package presence tracks live connections in memory. The registry is the only
// mutable shared structure in the core: one mutex guards the primary table and
// both secondary indices so they can never diverge. It starts empty on every
// process start; no session survives a restart.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Session is the ephemeral record of one currently-connected participant.
// Room "" means the unscoped default room.
type Session struct {
	ConnID      string    `json:"connection_id"`
	Credential  string    `json:"-"`
	DisplayName string    `json:"display_name"`
	PublicID    string    `json:"public_id"`
	Room        string    `json:"room,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry is a concurrency-safe table of live sessions keyed by connection id,
// with secondary indices by room ("who is in room R") and by credential ("which
// connections belong to credential C"). All three are updated under one lock.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Session
	byRoom map[string]map[string]struct{}
	byCred map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]Session),
		byRoom: make(map[string]map[string]struct{}),
		byCred: make(map[string]map[string]struct{}),
	}
}

// indexAdd and indexDrop maintain a secondary index; callers hold r.mu.
func indexAdd(idx map[string]map[string]struct{}, key, connID string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[connID] = struct{}{}
}

func indexDrop(idx map[string]map[string]struct{}, key, connID string) {
	if set, ok := idx[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Put inserts the session, replacing any existing entry for the same
// connection id (a re-register). All indices are updated atomically.
func (r *Registry) Put(s Session) {
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byConn[s.ConnID]; ok {
		indexDrop(r.byRoom, old.Room, old.ConnID)
		indexDrop(r.byCred, old.Credential, old.ConnID)
	}
	r.byConn[s.ConnID] = s
	indexAdd(r.byRoom, s.Room, s.ConnID)
	indexAdd(r.byCred, s.Credential, s.ConnID)
}

// Get returns the session for a connection id.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Remove drops the session and returns what was removed. Removing an unknown
// connection id reports ok=false so callers can distinguish stale references.
func (r *Registry) Remove(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	delete(r.byConn, connID)
	indexDrop(r.byRoom, s.Room, connID)
	indexDrop(r.byCred, s.Credential, connID)
	return s, true
}

// Move changes the session's room in one atomic step and returns the session
// as it was before the move. A concurrent fan-out snapshot observes the
// connection in exactly one of the two rooms, never both or neither.
func (r *Registry) Move(connID, room string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	before := s
	indexDrop(r.byRoom, s.Room, connID)
	s.Room = room
	r.byConn[connID] = s
	indexAdd(r.byRoom, room, connID)
	return before, true
}

// InRoom returns the connection ids currently in the given room (room "" means
// the unscoped default room only, not everyone).
func (r *Registry) InRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byRoom[room])
}

// Conns returns every live connection id.
func (r *Registry) Conns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn))
	for id := range r.byConn {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ForCredential returns the connection ids belonging to a credential.
func (r *Registry) ForCredential(credential string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byCred[credential])
}

// Sessions returns a snapshot of all live sessions ordered by connect time.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byConn))
	for _, s := range r.byConn {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
