// Package server exposes the HTTP API: health, status, metrics, the websocket
// chat transport, room entry points, and the operator surface.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lunarchat/parley/engine"
	"github.com/lunarchat/parley/store"
)

// Deps carries everything the HTTP layer needs. DB may be nil when running
// against the in-memory stores (tests).
type Deps struct {
	DB         *sql.DB
	Engine     *engine.Engine
	Hub        *Hub
	Identities store.IdentityStore
	Rooms      store.RoomDirectory
	Bans       store.BanLedger
	Messages   store.MessageLog
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx     context.Context
	deps    Deps
	started time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{ctx: ctx, deps: deps, started: time.Now()}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
