package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lunarchat/parley/engine"
	"github.com/lunarchat/parley/telemetry"
)

// Cross-origin websocket requests are allowed; the CORS posture for the rest
// of the API is permissive in dev too, and identity is carried in the payload,
// not in cookies.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inbound is a client-to-server frame: register or message.
type inbound struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Token string `json:"token,omitempty"`
	Room  string `json:"room,omitempty"`
	Text  string `json:"text,omitempty"`
}

// welcomePayload answers a register. Token is the secret credential and must
// only ever go back to its owner.
type welcomePayload struct {
	Name        string `json:"name"`
	Token       string `json:"token"`
	PublicToken string `json:"public_token"`
	Room        string `json:"room,omitempty"`
	Banned      bool   `json:"banned"`
}

// HandleWS upgrades to a websocket and drives the engine from the read loop.
// One goroutine reads, the hub's writer goroutine writes; the engine never
// touches the socket directly.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err), slog.String("component", "ws"))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	origin := clientIP(r)
	c := h.deps.Hub.add(conn)
	log := slog.Default().With(slog.String("conn", c.id), slog.String("component", "ws"))
	log.Debug("websocket attached", slog.String("origin", origin))

	defer func() {
		h.deps.Hub.remove(c.id)
		if err := h.deps.Engine.Disconnect(c.id); err != nil && !errors.Is(err, engine.ErrUnknownSession) {
			log.Warn("disconnect", slog.Any("err", err))
		}
	}()

	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read error", slog.Any("err", err))
			}
			return
		}

		switch in.Type {
		case "register":
			var res engine.RegisterResult
			var rerr error
			telemetry.TimeFunc(telemetry.RegisterDuration, func() {
				res, rerr = h.deps.Engine.Register(r.Context(), c.id, origin, engine.RegisterRequest{
					Name:       in.Name,
					Credential: in.Token,
					Room:       in.Room,
				})
			})
			if rerr != nil {
				log.Error("register failed", slog.Any("err", rerr))
				h.deps.Hub.EmitTo(c.id, engine.EventError, map[string]string{"error": "registration failed"})
				continue
			}
			h.deps.Hub.EmitTo(c.id, engine.EventWelcome, welcomePayload{
				Name:        res.DisplayName,
				Token:       res.Credential,
				PublicToken: res.PublicID,
				Room:        res.Room,
				Banned:      res.Banned,
			})
			if res.Banned {
				// The welcome (with the banned flag) is flushed, then the
				// connection is cut; no session exists.
				h.deps.Hub.ForceDisconnect(c.id)
				return
			}
			h.deps.Hub.EmitTo(c.id, engine.EventHistory, map[string]any{"lines": res.History})

		case "message":
			if in.Text == "" {
				continue
			}
			var perr error
			telemetry.TimeFunc(telemetry.PostDuration, func() {
				_, perr = h.deps.Engine.PostMessage(r.Context(), c.id, origin, in.Text, in.Room)
			})
			if perr != nil {
				if errors.Is(perr, engine.ErrUnknownSession) {
					h.deps.Hub.EmitTo(c.id, engine.EventError, map[string]string{"error": "register first"})
					continue
				}
				log.Error("post failed", slog.Any("err", perr))
				h.deps.Hub.EmitTo(c.id, engine.EventError, map[string]string{"error": "message not delivered"})
			}

		default:
			h.deps.Hub.EmitTo(c.id, engine.EventError, map[string]string{"error": "unknown frame type"})
		}
	}
}
