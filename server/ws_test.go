package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lunarchat/parley/engine"
	"github.com/lunarchat/parley/presence"
	"github.com/lunarchat/parley/store"
)

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newWSServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_PASSWORD_HASH", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	mem := store.NewMem()
	reg := presence.NewRegistry()
	hub := NewHub(reg)
	eng := engine.New(mem, mem, mem, mem, reg, hub, engine.Options{})
	h := NewHandlers(context.Background(), Deps{
		Engine:     eng,
		Hub:        hub,
		Identities: mem,
		Rooms:      mem,
		Bans:       mem,
		Messages:   mem,
	})
	srv := httptest.NewServer(NewMux(context.Background(), h))
	t.Cleanup(srv.Close)
	return srv, eng
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of the wanted type arrives. Presence
// notices interleave with the frames under test, so callers skip past them.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %q frame: %v", typ, err)
		}
		if f.Type == typ {
			return f
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %q frame before deadline", typ)
		}
	}
}

func TestWebsocketRegisterAndMessage(t *testing.T) {
	srv, _ := newWSServer(t)

	alice := dialWS(t, srv)
	if err := alice.WriteJSON(map[string]string{"type": "register", "name": "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	welcome := readUntil(t, alice, "welcome")
	var w welcomePayload
	if err := json.Unmarshal(welcome.Data, &w); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if w.Name != "alice" || w.Token == "" || w.PublicToken == "" || w.Banned {
		t.Fatalf("welcome = %+v", w)
	}
	readUntil(t, alice, "history")

	bob := dialWS(t, srv)
	if err := bob.WriteJSON(map[string]string{"type": "register", "name": "bob"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, bob, "history")

	if err := bob.WriteJSON(map[string]string{"type": "message", "text": "hi all"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Both unscoped connections receive the line with bob's current name.
	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readUntil(t, conn, "line")
		var line engine.Line
		if err := json.Unmarshal(f.Data, &line); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		if line.Name != "bob" || line.Body != "hi all" {
			t.Errorf("line = %+v", line)
		}
	}
}

func TestWebsocketCredentialSurvivesReconnect(t *testing.T) {
	srv, _ := newWSServer(t)

	first := dialWS(t, srv)
	if err := first.WriteJSON(map[string]string{"type": "register", "name": "carol"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var w1 welcomePayload
	if err := json.Unmarshal(readUntil(t, first, "welcome").Data, &w1); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	first.Close()

	second := dialWS(t, srv)
	if err := second.WriteJSON(map[string]string{"type": "register", "name": "carol", "token": w1.Token}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var w2 welcomePayload
	if err := json.Unmarshal(readUntil(t, second, "welcome").Data, &w2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w2.Token != w1.Token || w2.PublicToken != w1.PublicToken {
		t.Errorf("identity not stable across reconnect: %+v vs %+v", w1, w2)
	}
}

func TestWebsocketMessageBeforeRegister(t *testing.T) {
	srv, _ := newWSServer(t)

	conn := dialWS(t, srv)
	if err := conn.WriteJSON(map[string]string{"type": "message", "text": "too soon"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readUntil(t, conn, "error")
	var data map[string]string
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data["error"] != "register first" {
		t.Errorf("error = %q", data["error"])
	}
}

func TestWebsocketBanDisconnectsLiveConnection(t *testing.T) {
	srv, eng := newWSServer(t)

	conn := dialWS(t, srv)
	if err := conn.WriteJSON(map[string]string{"type": "register", "name": "victim"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var w welcomePayload
	if err := json.Unmarshal(readUntil(t, conn, "welcome").Data, &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	readUntil(t, conn, "history")

	if err := eng.Ban(context.Background(), w.Token); err != nil {
		t.Fatalf("ban: %v", err)
	}

	f := readUntil(t, conn, "disconnect")
	var notice engine.DisconnectNotice
	if err := json.Unmarshal(f.Data, &notice); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if notice.Reason != "banned" {
		t.Errorf("reason = %q, want banned", notice.Reason)
	}

	// The transport closes after the notice; the next read fails.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var junk wsFrame
	if err := conn.ReadJSON(&junk); err == nil {
		t.Error("connection still open after ban")
	}
}

func TestWebsocketBannedRegisterGetsFlaggedWelcome(t *testing.T) {
	srv, eng := newWSServer(t)

	first := dialWS(t, srv)
	if err := first.WriteJSON(map[string]string{"type": "register", "name": "rogue"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var w welcomePayload
	if err := json.Unmarshal(readUntil(t, first, "welcome").Data, &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := eng.Ban(context.Background(), w.Token); err != nil {
		t.Fatalf("ban: %v", err)
	}

	second := dialWS(t, srv)
	if err := second.WriteJSON(map[string]string{"type": "register", "name": "rogue", "token": w.Token}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var w2 welcomePayload
	if err := json.Unmarshal(readUntil(t, second, "welcome").Data, &w2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !w2.Banned {
		t.Error("banned flag not set on welcome")
	}
}
