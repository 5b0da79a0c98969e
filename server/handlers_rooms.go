package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/lunarchat/parley/store"
)

// roomView is the public representation of a room.
type roomView struct {
	Code        string    `json:"code"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	Live        int       `json:"live"`
}

func (h *Handlers) roomView(r store.Room) roomView {
	return roomView{
		Code:        r.Code,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
		Live:        len(h.deps.Engine.Registry().InRoom(r.Code)),
	}
}

// HandleRooms lists all rooms with live participant counts.
func (h *Handlers) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rooms, err := h.deps.Rooms.ListAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list rooms failed")
		return
	}
	out := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, h.roomView(room))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

// HandleRoomsDispatcher serves /rooms/{code}: the room entry point. Visiting
// a room code creates the room record lazily, so a shared link is enough to
// spin a room up.
func (h *Handlers) HandleRoomsDispatcher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	code := strings.TrimPrefix(r.URL.Path, "/rooms/")
	if !validRoomCode(code) {
		writeJSONError(w, http.StatusBadRequest, "invalid room code")
		return
	}
	if err := h.deps.Rooms.Create(r.Context(), code, "", ""); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "create room failed")
		return
	}
	room, ok, err := h.deps.Rooms.Get(r.Context(), code)
	if err != nil || !ok {
		writeJSONError(w, http.StatusInternalServerError, "load room failed")
		return
	}
	writeJSON(w, http.StatusOK, h.roomView(room))
}
