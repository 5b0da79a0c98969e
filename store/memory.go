package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mem is an in-memory implementation of all four stores. It backs the engine
// and server tests; nothing here is shared with the Postgres implementation
// beyond the interfaces.
type Mem struct {
	mu         sync.Mutex
	identities map[string]Identity
	rooms      map[string]Room
	bans       map[string]struct{}
	messages   []Message
	nextID     int64
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		identities: make(map[string]Identity),
		rooms:      make(map[string]Room),
		bans:       make(map[string]struct{}),
		nextID:     1,
	}
}

var (
	_ IdentityStore = (*Mem)(nil)
	_ RoomDirectory = (*Mem)(nil)
	_ BanLedger     = (*Mem)(nil)
	_ MessageLog    = (*Mem)(nil)
)

func (s *Mem) GetByCredential(_ context.Context, credential string) (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[credential]
	return id, ok, nil
}

func (s *Mem) Upsert(_ context.Context, credential, displayName string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[credential]
	if ok {
		id.DisplayName = displayName
	} else {
		id = Identity{
			Credential:  credential,
			DisplayName: displayName,
			PublicID:    NewPublicID(),
			FirstSeen:   time.Now().UTC(),
		}
	}
	s.identities[credential] = id
	return id, nil
}

func (s *Mem) List(_ context.Context) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

func (s *Mem) Exists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[code]
	return ok, nil
}

func (s *Mem) Create(_ context.Context, code, displayName, creatorCredential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[code]; ok {
		return nil
	}
	if displayName == "" {
		displayName = code
	}
	s.rooms[code] = Room{
		Code:              code,
		DisplayName:       displayName,
		CreatorCredential: creatorCredential,
		CreatedAt:         time.Now().UTC(),
	}
	return nil
}

func (s *Mem) Get(_ context.Context, code string) (Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[code]
	return r, ok, nil
}

func (s *Mem) ListAll(_ context.Context) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Mem) Contains(_ context.Context, credential string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bans[credential]
	return ok, nil
}

func (s *Mem) Add(_ context.Context, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[credential] = struct{}{}
	return nil
}

func (s *Mem) Remove(_ context.Context, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, credential)
	return nil
}

func (s *Mem) Append(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID
	s.nextID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *Mem) QueryRecent(_ context.Context, roomCode string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]Message, 0)
	for _, m := range s.messages {
		if m.RoomCode == roomCode {
			matched = append(matched, m)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (s *Mem) QueryByOrigin(_ context.Context, origin string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0)
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].SenderOrigin == origin {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

func (s *Mem) Search(_ context.Context, f MessageFilter) ([]Message, int, error) {
	f = f.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]Message, 0)
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if f.Query != "" && !strings.Contains(strings.ToLower(m.Body), strings.ToLower(f.Query)) {
			continue
		}
		if f.Room != "" && m.RoomCode != f.Room {
			continue
		}
		if f.Credential != "" && m.SenderCredential != f.Credential {
			continue
		}
		if f.Origin != "" && m.SenderOrigin != f.Origin {
			continue
		}
		if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !m.CreatedAt.Before(f.To) {
			continue
		}
		matched = append(matched, m)
	}
	total := len(matched)
	start := (f.Page - 1) * f.PerPage
	if start >= total {
		return []Message{}, total, nil
	}
	end := start + f.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Mem) NamesForOrigin(_ context.Context, origin string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, m := range s.messages {
		if m.SenderOrigin != origin || m.SenderCredential == "" {
			continue
		}
		id, ok := s.identities[m.SenderCredential]
		if !ok {
			continue
		}
		if _, dup := seen[id.DisplayName]; dup {
			continue
		}
		seen[id.DisplayName] = struct{}{}
		out = append(out, id.DisplayName)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Mem) OriginsForCredential(_ context.Context, credential string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, m := range s.messages {
		if m.SenderCredential != credential {
			continue
		}
		if _, ok := seen[m.SenderOrigin]; ok {
			continue
		}
		seen[m.SenderOrigin] = struct{}{}
		out = append(out, m.SenderOrigin)
	}
	sort.Strings(out)
	return out, nil
}
