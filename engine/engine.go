// Package engine implements the identity and presence reconciliation core:
// resolving inbound connections to stable identities, reassociating anonymous
// reconnects by network origin, scoping history and fan-out to rooms, and
// propagating moderation decisions into the live connection set.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lunarchat/parley/presence"
	"github.com/lunarchat/parley/store"
	"github.com/lunarchat/parley/telemetry"
)

// Event names delivered through the Emitter.
const (
	EventWelcome    = "welcome"
	EventHistory    = "history"
	EventLine       = "line"
	EventPresence   = "presence"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// Emitter is the transport-side sink for engine-produced events. EmitToRoom
// with room "" targets the unscoped default room's members only.
type Emitter interface {
	EmitTo(connID, event string, data any)
	EmitToRoom(room, event string, data any)
	ForceDisconnect(connID string)
}

// Line is one rendered chat event. Name and PublicID are the sender's current
// identity values, resolved at render time, never the values at time of send.
type Line struct {
	Name     string    `json:"name"`
	PublicID string    `json:"public_id"`
	At       time.Time `json:"at"`
	Body     string    `json:"body"`
	Room     string    `json:"room,omitempty"`
}

// PresenceNotice announces a membership change to a room.
type PresenceNotice struct {
	Room     string `json:"room,omitempty"`
	Name     string `json:"name"`
	PublicID string `json:"public_id"`
	Action   string `json:"action"` // joined, left, moved
}

// DisconnectNotice tells a connection why it is being closed.
type DisconnectNotice struct {
	Reason string `json:"reason"` // banned, kicked
}

// RegisterRequest carries the register payload from the transport.
type RegisterRequest struct {
	Name       string
	Credential string
	Room       string
}

// RegisterResult is everything the transport needs to answer a register:
// the resolved identity, the banned flag, the room actually joined, and the
// room-scoped history replay. Banned results carry no history and no session
// was created.
type RegisterResult struct {
	DisplayName string
	Credential  string
	PublicID    string
	Banned      bool
	Room        string
	History     []Line
}

// PostResult reports what happened to a posted message.
type PostResult struct {
	Line      Line
	Dropped   bool // sender is banned; message was not stored or delivered
	Delivered int
}

// Options tune the engine. Zero values fall back to sensible defaults.
type Options struct {
	HistoryLimit    int
	ReassocLookback int
	AnonPrefix      string
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 200
	}
	if o.ReassocLookback <= 0 {
		o.ReassocLookback = 50
	}
	if o.AnonPrefix == "" {
		o.AnonPrefix = "anon"
	}
	o.AnonPrefix = strings.ToLower(o.AnonPrefix)
	return o
}

// Engine orchestrates the four durable stores, the presence registry, and the
// transport emitter. Durable writes always complete before the registry is
// mutated, and the registry lock is never held across durable I/O.
type Engine struct {
	idents store.IdentityStore
	rooms  store.RoomDirectory
	bans   store.BanLedger
	msgs   store.MessageLog
	reg    *presence.Registry
	em     Emitter
	opts   Options

	// roomMu serializes append+fan-out per room so delivery order matches
	// durable-append order for every member.
	mu     sync.Mutex
	roomMu map[string]*sync.Mutex
}

// New wires an engine. The emitter may be set later with SetEmitter when the
// transport is constructed after the engine.
func New(idents store.IdentityStore, rooms store.RoomDirectory, bans store.BanLedger, msgs store.MessageLog, reg *presence.Registry, em Emitter, opts Options) *Engine {
	return &Engine{
		idents: idents,
		rooms:  rooms,
		bans:   bans,
		msgs:   msgs,
		reg:    reg,
		em:     em,
		opts:   opts.withDefaults(),
		roomMu: make(map[string]*sync.Mutex),
	}
}

// SetEmitter installs the transport emitter. Must be called before the first
// Register.
func (e *Engine) SetEmitter(em Emitter) { e.em = em }

// Registry exposes the presence registry for read-only surfaces (status,
// operator listings).
func (e *Engine) Registry() *presence.Registry { return e.reg }

func (e *Engine) roomLock(room string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.roomMu[room]
	if !ok {
		m = &sync.Mutex{}
		e.roomMu[room] = m
	}
	return m
}

// isPlaceholder reports whether a display name is empty or matches the
// anonymous placeholder pattern (case-insensitive prefix).
func (e *Engine) isPlaceholder(name string) bool {
	return name == "" || strings.HasPrefix(strings.ToLower(name), e.opts.AnonPrefix)
}

// Register resolves the connection to an identity, applies the reassociation
// heuristic for placeholder names, checks the ban ledger, creates the live
// session, and returns the identity plus the room-scoped history replay.
//
// A banned credential yields Banned=true with no session and no history; the
// caller must not keep the connection registered.
func (e *Engine) Register(ctx context.Context, connID, origin string, req RegisterRequest) (RegisterResult, error) {
	ident, reassociated, err := e.resolveIdentity(ctx, origin, req)
	if err != nil {
		return RegisterResult{}, err
	}
	if reassociated {
		telemetry.Inc(telemetry.Reassociations)
	}

	banned, err := e.bans.Contains(ctx, ident.Credential)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("check ban ledger: %w", err)
	}
	if banned {
		telemetry.Inc(telemetry.RejectedRegisters)
		return RegisterResult{
			DisplayName: ident.DisplayName,
			Credential:  ident.Credential,
			PublicID:    ident.PublicID,
			Banned:      true,
		}, nil
	}

	// Join the requested room only if it already exists; otherwise fall back
	// to the unscoped default room. Room non-existence is not an error.
	room := ""
	if req.Room != "" {
		exists, err := e.rooms.Exists(ctx, req.Room)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("check room: %w", err)
		}
		if exists {
			room = req.Room
		}
	}

	history, err := e.History(ctx, room)
	if err != nil {
		return RegisterResult{}, err
	}

	old, hadOld := e.reg.Get(connID)
	e.reg.Put(presence.Session{
		ConnID:      connID,
		Credential:  ident.Credential,
		DisplayName: ident.DisplayName,
		PublicID:    ident.PublicID,
		Room:        room,
	})

	// Re-check the ledger now that the session is visible. Ban performs its
	// durable add before sweeping the credential index, so a ban landing after
	// the first check is seen either by Ban's sweep or by this recheck; the
	// session never stays live with a banned credential.
	banned, err = e.bans.Contains(ctx, ident.Credential)
	if err != nil {
		e.reg.Remove(connID)
		return RegisterResult{}, fmt.Errorf("check ban ledger: %w", err)
	}
	if banned {
		e.reg.Remove(connID)
		e.em.EmitTo(connID, EventDisconnect, DisconnectNotice{Reason: "banned"})
		e.em.ForceDisconnect(connID)
		telemetry.Inc(telemetry.RejectedRegisters)
		return RegisterResult{
			DisplayName: ident.DisplayName,
			Credential:  ident.Credential,
			PublicID:    ident.PublicID,
			Banned:      true,
		}, nil
	}

	if hadOld && old.Room != room {
		e.em.EmitToRoom(old.Room, EventPresence, PresenceNotice{Room: old.Room, Name: old.DisplayName, PublicID: old.PublicID, Action: "left"})
	}
	e.em.EmitToRoom(room, EventPresence, PresenceNotice{Room: room, Name: ident.DisplayName, PublicID: ident.PublicID, Action: "joined"})

	telemetry.Inc(telemetry.Registrations)
	return RegisterResult{
		DisplayName: ident.DisplayName,
		Credential:  ident.Credential,
		PublicID:    ident.PublicID,
		Room:        room,
		History:     history,
	}, nil
}

// resolveIdentity implements steps 1–2 of registration: known credential wins,
// unknown or absent credential mints a fresh identity, and a placeholder name
// triggers the origin-based reassociation heuristic. The heuristic is a
// convenience, not an authentication mechanism: unrelated users behind a
// shared NAT origin can have names cross-assigned.
func (e *Engine) resolveIdentity(ctx context.Context, origin string, req RegisterRequest) (store.Identity, bool, error) {
	if req.Credential != "" {
		got, ok, err := e.idents.GetByCredential(ctx, req.Credential)
		if err != nil {
			return store.Identity{}, false, fmt.Errorf("lookup credential: %w", err)
		}
		if ok {
			name := got.DisplayName
			// A deliberate rename: non-empty, non-placeholder, different.
			if req.Name != "" && !e.isPlaceholder(req.Name) && req.Name != got.DisplayName {
				name = req.Name
			}
			reassociated := false
			if e.isPlaceholder(name) {
				if adopted, found, err := e.reassociate(ctx, origin); err != nil {
					return store.Identity{}, false, err
				} else if found {
					name = adopted
					reassociated = true
				}
			}
			if name == got.DisplayName {
				return got, false, nil
			}
			updated, err := e.idents.Upsert(ctx, got.Credential, name)
			if err != nil {
				return store.Identity{}, false, fmt.Errorf("update identity: %w", err)
			}
			return updated, reassociated, nil
		}
	}

	// New user, or a presented credential the store does not recognize; both
	// get a fresh credential.
	cred := store.NewCredential()
	name := req.Name
	if name == "" {
		name = e.opts.AnonPrefix + store.NewPublicID()[:4]
	}
	reassociated := false
	if e.isPlaceholder(name) {
		if adopted, found, err := e.reassociate(ctx, origin); err != nil {
			return store.Identity{}, false, err
		} else if found {
			name = adopted
			reassociated = true
		}
	}
	ident, err := e.idents.Upsert(ctx, cred, name)
	if err != nil {
		return store.Identity{}, false, fmt.Errorf("create identity: %w", err)
	}
	return ident, reassociated, nil
}

// reassociate scans recent messages from the origin, newest first, and returns
// the first sender's current display name that is not a placeholder.
func (e *Engine) reassociate(ctx context.Context, origin string) (string, bool, error) {
	if origin == "" {
		return "", false, nil
	}
	recent, err := e.msgs.QueryByOrigin(ctx, origin, e.opts.ReassocLookback)
	if err != nil {
		return "", false, fmt.Errorf("query origin history: %w", err)
	}
	seen := make(map[string]string)
	for _, m := range recent {
		if m.SenderCredential == "" {
			continue
		}
		name, ok := seen[m.SenderCredential]
		if !ok {
			ident, found, err := e.idents.GetByCredential(ctx, m.SenderCredential)
			if err != nil {
				return "", false, fmt.Errorf("resolve sender: %w", err)
			}
			if !found {
				continue
			}
			name = ident.DisplayName
			seen[m.SenderCredential] = name
		}
		if !e.isPlaceholder(name) {
			return name, true, nil
		}
	}
	return "", false, nil
}

// PostMessage appends the message durably and fans the rendered line out to
// the target room's live members (all live connections when unscoped). The
// durable append completes before any delivery; a banned sender's message is
// silently dropped.
func (e *Engine) PostMessage(ctx context.Context, connID, origin, body, targetRoom string) (PostResult, error) {
	s, ok := e.reg.Get(connID)
	if !ok {
		return PostResult{}, ErrUnknownSession
	}

	banned, err := e.bans.Contains(ctx, s.Credential)
	if err != nil {
		return PostResult{}, fmt.Errorf("check ban ledger: %w", err)
	}
	if banned {
		telemetry.Inc(telemetry.MessagesDropped)
		return PostResult{Dropped: true}, nil
	}

	room := targetRoom
	if room == "" {
		room = s.Room
	}

	// Hold the room's ordering lock across append and fan-out so every member
	// observes messages in durable-append order.
	lock := e.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	stored, err := e.msgs.Append(ctx, store.Message{
		SenderOrigin:     origin,
		SenderCredential: s.Credential,
		RoomCode:         room,
		Body:             body,
	})
	if err != nil {
		return PostResult{}, fmt.Errorf("append message: %w", err)
	}
	telemetry.Inc(telemetry.MessagesStored)

	line := Line{
		Name:     s.DisplayName,
		PublicID: s.PublicID,
		At:       stored.CreatedAt,
		Body:     stored.Body,
		Room:     room,
	}

	// Snapshot recipients in one registry read: a connection moving rooms
	// concurrently is observed in exactly one of the two rooms.
	var recipients []string
	if room == "" {
		recipients = e.reg.Conns()
	} else {
		recipients = e.reg.InRoom(room)
	}
	for _, id := range recipients {
		e.em.EmitTo(id, EventLine, line)
	}
	telemetry.AddDeliveries(len(recipients))

	return PostResult{Line: line, Delivered: len(recipients)}, nil
}

// Disconnect removes the live session. No durable side effect. Referencing a
// connection that is already gone returns ErrUnknownSession so callers can
// detect stale references.
func (e *Engine) Disconnect(connID string) error {
	s, ok := e.reg.Remove(connID)
	if !ok {
		return ErrUnknownSession
	}
	e.em.EmitToRoom(s.Room, EventPresence, PresenceNotice{Room: s.Room, Name: s.DisplayName, PublicID: s.PublicID, Action: "left"})
	return nil
}

// Ban adds the credential to the ban ledger and force-disconnects every live
// session holding it before returning. The durable write happens first; if it
// fails no session is touched.
func (e *Engine) Ban(ctx context.Context, credential string) error {
	if err := e.bans.Add(ctx, credential); err != nil {
		return fmt.Errorf("add ban: %w", err)
	}
	for _, connID := range e.reg.ForCredential(credential) {
		s, ok := e.reg.Remove(connID)
		if !ok {
			continue
		}
		e.em.EmitToRoom(s.Room, EventPresence, PresenceNotice{Room: s.Room, Name: s.DisplayName, PublicID: s.PublicID, Action: "left"})
		e.em.EmitTo(connID, EventDisconnect, DisconnectNotice{Reason: "banned"})
		e.em.ForceDisconnect(connID)
	}
	telemetry.Inc(telemetry.BansIssued)
	return nil
}

// Unban removes the credential from the ban ledger. Idempotent; live sessions
// are unaffected (a banned credential has none).
func (e *Engine) Unban(ctx context.Context, credential string) error {
	if err := e.bans.Remove(ctx, credential); err != nil {
		return fmt.Errorf("remove ban: %w", err)
	}
	return nil
}

// Kick force-disconnects one live connection without touching identity or ban
// state. The session leaves its room before the disconnect so remaining
// members see a consistent departure.
func (e *Engine) Kick(connID string) error {
	s, ok := e.reg.Remove(connID)
	if !ok {
		return ErrUnknownSession
	}
	e.em.EmitToRoom(s.Room, EventPresence, PresenceNotice{Room: s.Room, Name: s.DisplayName, PublicID: s.PublicID, Action: "left"})
	e.em.EmitTo(connID, EventDisconnect, DisconnectNotice{Reason: "kicked"})
	e.em.ForceDisconnect(connID)
	telemetry.Inc(telemetry.KicksIssued)
	return nil
}

// ForceMove relocates a live connection to newRoom, creating the room record
// if absent (an operator-directed move may legitimately spin up a fresh room;
// newRoom "" moves to the unscoped default room). The registry move is a
// single atomic step, so a concurrent fan-out observes the connection in
// exactly one of the two rooms.
func (e *Engine) ForceMove(ctx context.Context, connID, newRoom string) error {
	s, ok := e.reg.Get(connID)
	if !ok {
		return ErrUnknownSession
	}
	if newRoom != "" {
		if err := e.rooms.Create(ctx, newRoom, "", s.Credential); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
	}
	before, ok := e.reg.Move(connID, newRoom)
	if !ok {
		// Disconnected between the lookup and the move.
		return ErrUnknownSession
	}
	if before.Room == newRoom {
		return nil
	}

	e.em.EmitToRoom(before.Room, EventPresence, PresenceNotice{Room: before.Room, Name: before.DisplayName, PublicID: before.PublicID, Action: "left"})
	e.em.EmitToRoom(newRoom, EventPresence, PresenceNotice{Room: newRoom, Name: before.DisplayName, PublicID: before.PublicID, Action: "joined"})
	e.em.EmitTo(connID, EventPresence, PresenceNotice{Room: newRoom, Name: before.DisplayName, PublicID: before.PublicID, Action: "moved"})

	// The moved connection gets the new room's history, same as a fresh join.
	history, err := e.History(ctx, newRoom)
	if err != nil {
		return err
	}
	e.em.EmitTo(connID, EventHistory, map[string]any{"lines": history})

	telemetry.Inc(telemetry.ForcedMoves)
	return nil
}

// History returns the room-scoped replay (room "" means the unscoped default
// room), oldest to newest, capped at the configured limit, with every line
// carrying the sender's current display name and public id.
func (e *Engine) History(ctx context.Context, room string) ([]Line, error) {
	msgs, err := e.msgs.QueryRecent(ctx, room, e.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return e.renderLines(ctx, msgs)
}

// renderLines resolves each message's sender to its current identity. Senders
// whose identity no longer resolves render with empty name and public id.
func (e *Engine) renderLines(ctx context.Context, msgs []store.Message) ([]Line, error) {
	lines := make([]Line, 0, len(msgs))
	cache := make(map[string]store.Identity)
	for _, m := range msgs {
		var ident store.Identity
		if m.SenderCredential != "" {
			got, ok := cache[m.SenderCredential]
			if !ok {
				resolved, found, err := e.idents.GetByCredential(ctx, m.SenderCredential)
				if err != nil {
					return nil, fmt.Errorf("resolve sender: %w", err)
				}
				if found {
					got = resolved
				}
				cache[m.SenderCredential] = got
			}
			ident = got
		}
		lines = append(lines, Line{
			Name:     ident.DisplayName,
			PublicID: ident.PublicID,
			At:       m.CreatedAt,
			Body:     m.Body,
			Room:     m.RoomCode,
		})
	}
	return lines, nil
}

// Sessions returns a snapshot of all live sessions, oldest connection first.
func (e *Engine) Sessions() []presence.Session { return e.reg.Sessions() }

// Identities returns all registered identities. Operator surface only.
func (e *Engine) Identities(ctx context.Context) ([]store.Identity, error) {
	return e.idents.List(ctx)
}
