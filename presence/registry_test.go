package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestPutGetRemove(t *testing.T) {
	r := NewRegistry()

	r.Put(Session{ConnID: "c1", Credential: "cred-1", DisplayName: "alice", Room: "A"})

	s, ok := r.Get("c1")
	if !ok || s.DisplayName != "alice" || s.Room != "A" {
		t.Fatalf("get = %+v, ok=%v", s, ok)
	}

	removed, ok := r.Remove("c1")
	if !ok || removed.ConnID != "c1" {
		t.Fatalf("remove = %+v, ok=%v", removed, ok)
	}
	if _, ok := r.Get("c1"); ok {
		t.Error("session still present after remove")
	}
	if _, ok := r.Remove("c1"); ok {
		t.Error("second remove reported ok")
	}
	if got := r.InRoom("A"); len(got) != 0 {
		t.Errorf("room index not cleaned: %v", got)
	}
	if got := r.ForCredential("cred-1"); len(got) != 0 {
		t.Errorf("credential index not cleaned: %v", got)
	}
}

func TestPutReplacesExistingSession(t *testing.T) {
	r := NewRegistry()

	r.Put(Session{ConnID: "c1", Credential: "cred-1", Room: "A"})
	// Re-register the same connection under a different room and credential.
	r.Put(Session{ConnID: "c1", Credential: "cred-2", Room: "B"})

	if got := r.InRoom("A"); len(got) != 0 {
		t.Errorf("stale room index entry: %v", got)
	}
	if got := r.InRoom("B"); len(got) != 1 || got[0] != "c1" {
		t.Errorf("room B = %v", got)
	}
	if got := r.ForCredential("cred-1"); len(got) != 0 {
		t.Errorf("stale credential index entry: %v", got)
	}
	if got := r.ForCredential("cred-2"); len(got) != 1 {
		t.Errorf("credential index = %v", got)
	}
}

func TestMoveAtomicity(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ConnID: "c1", Credential: "cred-1", Room: "A"})

	before, ok := r.Move("c1", "B")
	if !ok || before.Room != "A" {
		t.Fatalf("move = %+v, ok=%v", before, ok)
	}
	if got := r.InRoom("A"); len(got) != 0 {
		t.Errorf("still in old room: %v", got)
	}
	if got := r.InRoom("B"); len(got) != 1 {
		t.Errorf("not in new room: %v", got)
	}

	if _, ok := r.Move("ghost", "B"); ok {
		t.Error("move of unknown connection reported ok")
	}
}

func TestMoveToUnscoped(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ConnID: "c1", Credential: "cred-1", Room: "A"})

	if _, ok := r.Move("c1", ""); !ok {
		t.Fatal("move failed")
	}
	if got := r.InRoom(""); len(got) != 1 || got[0] != "c1" {
		t.Errorf("unscoped room = %v", got)
	}
	s, _ := r.Get("c1")
	if s.Room != "" {
		t.Errorf("room = %q, want empty", s.Room)
	}
}

func TestForCredentialMultipleConnections(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ConnID: "c1", Credential: "cred-1"})
	r.Put(Session{ConnID: "c2", Credential: "cred-1", Room: "A"})
	r.Put(Session{ConnID: "c3", Credential: "cred-2"})

	got := r.ForCredential("cred-1")
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("for credential = %v", got)
	}
}

// TestConcurrentMutation hammers the registry from many goroutines and then
// verifies the three indices agree. Run with -race.
func TestConcurrentMutation(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				connID := fmt.Sprintf("conn-%d-%d", g, i%10)
				cred := fmt.Sprintf("cred-%d", i%5)
				room := fmt.Sprintf("room-%d", i%3)
				switch i % 4 {
				case 0:
					r.Put(Session{ConnID: connID, Credential: cred, Room: room})
				case 1:
					r.Move(connID, fmt.Sprintf("room-%d", (i+1)%3))
				case 2:
					r.Get(connID)
					r.InRoom(room)
					r.ForCredential(cred)
				case 3:
					r.Remove(connID)
				}
			}
		}(g)
	}
	wg.Wait()

	// Index consistency: every session appears in exactly the right index
	// entries, and the indices contain nothing else.
	sessions := r.Sessions()
	roomCount, credCount := 0, 0
	for _, s := range sessions {
		found := false
		for _, id := range r.InRoom(s.Room) {
			if id == s.ConnID {
				found = true
			}
		}
		if !found {
			t.Errorf("session %s missing from room index %q", s.ConnID, s.Room)
		}
		found = false
		for _, id := range r.ForCredential(s.Credential) {
			if id == s.ConnID {
				found = true
			}
		}
		if !found {
			t.Errorf("session %s missing from credential index %q", s.ConnID, s.Credential)
		}
	}
	rooms := map[string]struct{}{}
	creds := map[string]struct{}{}
	for _, s := range sessions {
		rooms[s.Room] = struct{}{}
		creds[s.Credential] = struct{}{}
	}
	for room := range rooms {
		roomCount += len(r.InRoom(room))
	}
	for cred := range creds {
		credCount += len(r.ForCredential(cred))
	}
	if roomCount != len(sessions) || credCount != len(sessions) {
		t.Errorf("index totals room=%d cred=%d, want %d", roomCount, credCount, len(sessions))
	}
}
