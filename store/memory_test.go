package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestUpsertKeepsPublicID(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	first, err := s.Upsert(ctx, "cred-1", "alice")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.PublicID == "" {
		t.Fatal("expected a minted public id")
	}

	second, err := s.Upsert(ctx, "cred-1", "alice2")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.PublicID != first.PublicID {
		t.Errorf("public id changed on rename: %q -> %q", first.PublicID, second.PublicID)
	}
	if second.DisplayName != "alice2" {
		t.Errorf("display name = %q, want alice2", second.DisplayName)
	}

	got, ok, err := s.GetByCredential(ctx, "cred-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.DisplayName != "alice2" {
		t.Errorf("stored name = %q", got.DisplayName)
	}
}

func TestRoomCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	if err := s.Create(ctx, "ABCD", "", "cred-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Second create must not clobber the original creator.
	if err := s.Create(ctx, "ABCD", "other", "cred-2"); err != nil {
		t.Fatalf("create: %v", err)
	}
	r, ok, err := s.Get(ctx, "ABCD")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if r.CreatorCredential != "cred-1" {
		t.Errorf("creator = %q, want cred-1", r.CreatorCredential)
	}
	if r.DisplayName != "ABCD" {
		t.Errorf("display name defaulted to %q, want room code", r.DisplayName)
	}
}

func TestBanLedgerIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	if err := s.Remove(ctx, "never-banned"); err != nil {
		t.Fatalf("remove of unknown credential errored: %v", err)
	}
	if err := s.Add(ctx, "cred-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(ctx, "cred-1"); err != nil {
		t.Fatalf("double add: %v", err)
	}
	banned, err := s.Contains(ctx, "cred-1")
	if err != nil || !banned {
		t.Fatalf("contains = %v, %v; want true", banned, err)
	}
}

func TestQueryRecentScopedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, Message{SenderOrigin: "1.2.3.4", RoomCode: "A", Body: fmt.Sprintf("a%d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.Append(ctx, Message{SenderOrigin: "1.2.3.4", Body: "lobby"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.QueryRecent(ctx, "A", 3)
	if err != nil {
		t.Fatalf("query recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Oldest-to-newest of the newest three.
	want := []string{"a2", "a3", "a4"}
	for i, m := range got {
		if m.Body != want[i] {
			t.Errorf("got[%d].Body = %q, want %q", i, m.Body, want[i])
		}
		if m.RoomCode != "A" {
			t.Errorf("room leak: %q", m.RoomCode)
		}
	}

	lobby, err := s.QueryRecent(ctx, "", 10)
	if err != nil {
		t.Fatalf("query recent lobby: %v", err)
	}
	if len(lobby) != 1 || lobby[0].Body != "lobby" {
		t.Errorf("lobby history = %+v", lobby)
	}
}

func TestQueryByOriginNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	for i := 0; i < 4; i++ {
		if _, err := s.Append(ctx, Message{SenderOrigin: "9.9.9.9", Body: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.Append(ctx, Message{SenderOrigin: "8.8.8.8", Body: "other"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.QueryByOrigin(ctx, "9.9.9.9", 2)
	if err != nil {
		t.Fatalf("query by origin: %v", err)
	}
	if len(got) != 2 || got[0].Body != "m3" || got[1].Body != "m2" {
		t.Errorf("got %+v, want newest first m3,m2", got)
	}
}

func TestSearchFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		m := Message{
			SenderOrigin:     "1.1.1.1",
			SenderCredential: "cred-1",
			RoomCode:         "A",
			Body:             fmt.Sprintf("hello %d", i),
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.Append(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.Append(ctx, Message{SenderOrigin: "2.2.2.2", Body: "unrelated", CreatedAt: base}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, total, err := s.Search(ctx, MessageFilter{Query: "HELLO", Room: "A", Page: 2, PerPage: 3})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 7 {
		t.Errorf("total = %d, want 7", total)
	}
	if len(got) != 3 {
		t.Fatalf("page len = %d, want 3", len(got))
	}
	// Newest first: page 2 of 3-per-page over hello 6..0 is hello 3,2,1.
	if got[0].Body != "hello 3" || got[2].Body != "hello 1" {
		t.Errorf("page = %q..%q", got[0].Body, got[2].Body)
	}

	_, total, err = s.Search(ctx, MessageFilter{Origin: "2.2.2.2"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 {
		t.Errorf("origin filter total = %d, want 1", total)
	}

	_, total, err = s.Search(ctx, MessageFilter{From: base.Add(5 * time.Second)})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 {
		t.Errorf("from filter total = %d, want 2", total)
	}
}

func TestNamesForOriginUsesCurrentNames(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	if _, err := s.Upsert(ctx, "cred-1", "zoe"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Upsert(ctx, "cred-2", "abe"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for _, cred := range []string{"cred-1", "cred-2", "cred-1"} {
		if _, err := s.Append(ctx, Message{SenderOrigin: "7.7.7.7", SenderCredential: cred, Body: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// A message whose sender no longer resolves contributes nothing.
	if _, err := s.Append(ctx, Message{SenderOrigin: "7.7.7.7", SenderCredential: "gone", Body: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Rename after the messages were stored; the linkage view shows the
	// current name, not the name at time of send.
	if _, err := s.Upsert(ctx, "cred-1", "zia"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	got, err := s.NamesForOrigin(ctx, "7.7.7.7")
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(got) != 2 || got[0] != "abe" || got[1] != "zia" {
		t.Errorf("names = %v, want [abe zia]", got)
	}
	other, err := s.NamesForOrigin(ctx, "8.8.8.8")
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unrelated origin names = %v", other)
	}
}

func TestOriginsForCredential(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	for _, origin := range []string{"b.b.b.b", "a.a.a.a", "b.b.b.b"} {
		if _, err := s.Append(ctx, Message{SenderOrigin: origin, SenderCredential: "cred-1", Body: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.OriginsForCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("origins: %v", err)
	}
	if len(got) != 2 || got[0] != "a.a.a.a" || got[1] != "b.b.b.b" {
		t.Errorf("origins = %v", got)
	}
}
