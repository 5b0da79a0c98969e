package store_test

import (
	"context"
	"testing"

	"github.com/lunarchat/parley/store"
	"github.com/lunarchat/parley/testutil"
)

// These tests exercise the Postgres implementations against a real database.
// They skip unless TEST_PG_DSN is set.

func TestPGIdentityRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	pg := &store.PG{DB: database}
	ctx := context.Background()

	cred := store.NewCredential()
	first, err := pg.Upsert(ctx, cred, "pg-alice")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.PublicID == "" {
		t.Fatal("no public id minted")
	}

	second, err := pg.Upsert(ctx, cred, "pg-alice-2")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.PublicID != first.PublicID {
		t.Errorf("public id changed: %q -> %q", first.PublicID, second.PublicID)
	}

	got, ok, err := pg.GetByCredential(ctx, cred)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.DisplayName != "pg-alice-2" {
		t.Errorf("name = %q", got.DisplayName)
	}
}

func TestPGMessageScoping(t *testing.T) {
	database := testutil.SetupTestDB(t)
	pg := &store.PG{DB: database}
	ctx := context.Background()

	cred := store.NewCredential()
	if _, err := pg.Upsert(ctx, cred, "pg-room-user"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	room := "pgtest-" + store.NewPublicID()
	if err := pg.Create(ctx, room, "", cred); err != nil {
		t.Fatalf("create room: %v", err)
	}

	for _, body := range []string{"one", "two"} {
		if _, err := pg.Append(ctx, testMessage(cred, room, body)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// An unscoped message must not leak into room history.
	if _, err := pg.Append(ctx, testMessage(cred, "", "lobby")); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := pg.QueryRecent(ctx, room, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].Body != "one" || got[1].Body != "two" {
		t.Errorf("room history = %+v", got)
	}
}

func TestPGNamesForOrigin(t *testing.T) {
	database := testutil.SetupTestDB(t)
	pg := &store.PG{DB: database}
	ctx := context.Background()

	cred := store.NewCredential()
	if _, err := pg.Upsert(ctx, cred, "pg-before"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	origin := "198.51.100." + store.NewPublicID()[:2]
	if _, err := pg.Append(ctx, store.Message{SenderOrigin: origin, SenderCredential: cred, Body: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := pg.Upsert(ctx, cred, "pg-after"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	names, err := pg.NamesForOrigin(ctx, origin)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 1 || names[0] != "pg-after" {
		t.Errorf("names = %v, want the current name only", names)
	}
}

// testMessage builds a message for a credential/room pair.
func testMessage(cred, room, body string) store.Message {
	return store.Message{
		SenderOrigin:     "127.0.0.1",
		SenderCredential: cred,
		RoomCode:         room,
		Body:             body,
	}
}
