package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lunarchat/parley/engine"
	"github.com/lunarchat/parley/store"
	"github.com/lunarchat/parley/telemetry"
)

// The operator surface is the only place credentials and network origins are
// ever exposed. Everything here sits behind adminAuth.

type adminSessionView struct {
	ConnectionID string    `json:"connection_id"`
	Credential   string    `json:"credential"`
	Name         string    `json:"name"`
	PublicID     string    `json:"public_id"`
	Room         string    `json:"room,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	Origins      []string  `json:"origins,omitempty"`
}

// HandleAdminSessions lists live sessions joined with their known origins.
func (h *Handlers) HandleAdminSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.deps.Engine.Sessions()
	out := make([]adminSessionView, 0, len(sessions))
	for _, s := range sessions {
		origins, err := h.deps.Messages.OriginsForCredential(r.Context(), s.Credential)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "query origins failed")
			return
		}
		out = append(out, adminSessionView{
			ConnectionID: s.ConnID,
			Credential:   s.Credential,
			Name:         s.DisplayName,
			PublicID:     s.PublicID,
			Room:         s.Room,
			ConnectedAt:  s.ConnectedAt,
			Origins:      origins,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type adminIdentityView struct {
	Credential  string    `json:"credential"`
	Name        string    `json:"name"`
	PublicID    string    `json:"public_id"`
	FirstSeen   time.Time `json:"first_seen"`
	Banned      bool      `json:"banned"`
	Origins     []string  `json:"origins,omitempty"`
	LiveCount   int       `json:"live_count"`
}

// HandleAdminIdentities lists every registered identity with ban state and
// known origins.
func (h *Handlers) HandleAdminIdentities(w http.ResponseWriter, r *http.Request) {
	idents, err := h.deps.Identities.List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list identities failed")
		return
	}
	out := make([]adminIdentityView, 0, len(idents))
	for _, id := range idents {
		banned, err := h.deps.Bans.Contains(r.Context(), id.Credential)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "check ban failed")
			return
		}
		origins, err := h.deps.Messages.OriginsForCredential(r.Context(), id.Credential)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "query origins failed")
			return
		}
		out = append(out, adminIdentityView{
			Credential: id.Credential,
			Name:       id.DisplayName,
			PublicID:   id.PublicID,
			FirstSeen:  id.FirstSeen,
			Banned:     banned,
			Origins:    origins,
			LiveCount:  len(h.deps.Engine.Registry().ForCredential(id.Credential)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": out})
}

// HandleAdminRooms lists rooms with their current live membership.
func (h *Handlers) HandleAdminRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.deps.Rooms.ListAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list rooms failed")
		return
	}
	type memberView struct {
		ConnectionID string `json:"connection_id"`
		Name         string `json:"name"`
		PublicID     string `json:"public_id"`
	}
	type adminRoomView struct {
		roomView
		Members []memberView `json:"members"`
	}
	members := func(code string) []memberView {
		out := []memberView{}
		for _, connID := range h.deps.Engine.Registry().InRoom(code) {
			if s, ok := h.deps.Engine.Registry().Get(connID); ok {
				out = append(out, memberView{ConnectionID: s.ConnID, Name: s.DisplayName, PublicID: s.PublicID})
			}
		}
		return out
	}
	out := make([]adminRoomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, adminRoomView{roomView: h.roomView(room), Members: members(room.Code)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":   out,
		"default": map[string]any{"members": members("")},
	})
}

// HandleAdminLogs serves the message audit log with filtering and pagination.
// Origins are included; this is the operator's linkage view.
func (h *Handlers) HandleAdminLogs(w http.ResponseWriter, r *http.Request) {
	f := store.MessageFilter{
		Query:      r.URL.Query().Get("q"),
		Room:       r.URL.Query().Get("room"),
		Credential: r.URL.Query().Get("credential"),
		Origin:     r.URL.Query().Get("origin"),
		From:       parseTimeQuery(r, "from"),
		To:         parseTimeQuery(r, "to"),
		Page:       parseIntQuery(r, "page", 1),
		PerPage:    parseIntQuery(r, "per_page", 30),
	}
	msgs, total, err := h.deps.Messages.Search(r.Context(), f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"page":     f.Page,
		"per_page": f.PerPage,
		"messages": msgs,
	})
}

// HandleAdminOrigins answers "who has this network origin been?": the current
// display names of every identity that has sent from it.
func (h *Handlers) HandleAdminOrigins(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		writeJSONError(w, http.StatusBadRequest, "origin required")
		return
	}
	names, err := h.deps.Messages.NamesForOrigin(r.Context(), origin)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "query names failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"origin": origin, "names": names})
}

// moderationRequest is the body for ban/unban/kick/move.
type moderationRequest struct {
	Credential   string `json:"credential,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Room         string `json:"room,omitempty"`
}

func decodeModeration(w http.ResponseWriter, r *http.Request) (moderationRequest, bool) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return moderationRequest{}, false
	}
	var req moderationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return moderationRequest{}, false
	}
	return req, true
}

// HandleAdminBan bans a credential; live sessions are force-disconnected
// before this responds.
func (h *Handlers) HandleAdminBan(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeModeration(w, r)
	if !ok {
		return
	}
	if req.Credential == "" {
		writeJSONError(w, http.StatusBadRequest, "credential required")
		return
	}
	if err := h.deps.Engine.Ban(r.Context(), req.Credential); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("ban failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "ban failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

// HandleAdminUnban lifts a ban. Idempotent.
func (h *Handlers) HandleAdminUnban(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeModeration(w, r)
	if !ok {
		return
	}
	if req.Credential == "" {
		writeJSONError(w, http.StatusBadRequest, "credential required")
		return
	}
	if err := h.deps.Engine.Unban(r.Context(), req.Credential); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("unban failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "unban failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

// HandleAdminKick drops one live connection without any durable effect.
func (h *Handlers) HandleAdminKick(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeModeration(w, r)
	if !ok {
		return
	}
	if req.ConnectionID == "" {
		writeJSONError(w, http.StatusBadRequest, "connection_id required")
		return
	}
	if err := h.deps.Engine.Kick(req.ConnectionID); err != nil {
		if errors.Is(err, engine.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "kick failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

// HandleAdminMove relocates a live connection, creating the target room if it
// does not exist yet. An empty room moves to the unscoped default room.
func (h *Handlers) HandleAdminMove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeModeration(w, r)
	if !ok {
		return
	}
	if req.ConnectionID == "" {
		writeJSONError(w, http.StatusBadRequest, "connection_id required")
		return
	}
	if req.Room != "" && !validRoomCode(req.Room) {
		writeJSONError(w, http.StatusBadRequest, "invalid room code")
		return
	}
	if err := h.deps.Engine.ForceMove(r.Context(), req.ConnectionID, req.Room); err != nil {
		if errors.Is(err, engine.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "unknown session")
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Error("force move failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "move failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}
