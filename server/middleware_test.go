package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lunarchat/parley/crypto"
	"github.com/lunarchat/parley/engine"
	"github.com/lunarchat/parley/presence"
	"github.com/lunarchat/parley/store"
)

func newTestMux(t *testing.T) http.Handler {
	t.Helper()
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
	return NewMux(context.Background(), h)
}

func TestAdminAuthDisabledWhenUnconfigured(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_PASSWORD_HASH", "")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth unconfigured", rec.Code)
	}
}

func TestAdminAuthToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_PASSWORD_HASH", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", rec.Code)
	}
}

func TestAdminAuthBasicWithBcryptHash(t *testing.T) {
	hash, err := crypto.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	t.Setenv("ADMIN_USERNAME", "op")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_PASSWORD_HASH", hash)
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.SetBasicAuth("op", "hunter2")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("good password: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.SetBasicAuth("op", "hunter3")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d, want 401", rec.Code)
	}
}

func TestAdminRateLimit(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_PASSWORD_HASH", "")
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")

	mux := newTestMux(t)

	codes := []int{}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
		req.Header.Set("X-Admin-Token", "sekrit")
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests = %v, want 200s", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}

func TestNonAdminRoutesBypassAuth(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("no correlation id generated")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123 echoed", got)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := clientIP(req); got != "10.1.2.3" {
		t.Errorf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("clientIP with XFF = %q", got)
	}
}
