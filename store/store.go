// Package store defines the four durable stores behind the reconciliation
// engine (identities, rooms, bans, messages) and provides Postgres and
// in-memory implementations. The engine only sees the interfaces, so it can be
// exercised against the in-memory variant in tests.
package store

import (
	"context"
	"time"
)

// Identity is the durable record for one secret credential. PublicID is the
// only identity-linking value ever shown to non-operators; it is assigned once
// and never changes.
type Identity struct {
	Credential  string    `json:"credential"`
	DisplayName string    `json:"display_name"`
	PublicID    string    `json:"public_id"`
	FirstSeen   time.Time `json:"first_seen"`
}

// Room is a named, persistent conversation scope. Rooms are created lazily and
// never destroyed; an empty code in the rest of the codebase means the unscoped
// default room, which has no Room record.
type Room struct {
	Code              string    `json:"code"`
	DisplayName       string    `json:"display_name"`
	CreatorCredential string    `json:"creator_credential,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Message is one immutable chat event. SenderOrigin is retained for moderation
// and audit only and must never reach non-operator clients. RoomCode "" maps to
// SQL NULL (the unscoped default room).
type Message struct {
	ID               int64     `json:"id"`
	SenderOrigin     string    `json:"sender_origin"`
	SenderCredential string    `json:"sender_credential,omitempty"`
	RoomCode         string    `json:"room_code,omitempty"`
	Body             string    `json:"body"`
	CreatedAt        time.Time `json:"created_at"`
}

// MessageFilter narrows a Search. Zero-value fields are ignored; Page is
// 1-based and PerPage defaults to 30 when unset.
type MessageFilter struct {
	Query      string
	Room       string
	Credential string
	Origin     string
	From       time.Time
	To         time.Time
	Page       int
	PerPage    int
}

// IdentityStore is the source of truth for "who is this token".
type IdentityStore interface {
	// GetByCredential returns the identity for a secret credential, reporting
	// whether it exists.
	GetByCredential(ctx context.Context, credential string) (Identity, bool, error)
	// Upsert creates the identity (minting a public id) or updates its display
	// name, and returns the resulting record. The public id of an existing
	// identity is never replaced.
	Upsert(ctx context.Context, credential, displayName string) (Identity, error)
	// List returns all identities, oldest first.
	List(ctx context.Context) ([]Identity, error)
}

// RoomDirectory defines which room codes are valid join targets.
type RoomDirectory interface {
	Exists(ctx context.Context, code string) (bool, error)
	// Create inserts the room record if absent. Creating an existing room is a
	// no-op; the original creator and creation time are preserved.
	Create(ctx context.Context, code, displayName, creatorCredential string) error
	Get(ctx context.Context, code string) (Room, bool, error)
	ListAll(ctx context.Context) ([]Room, error)
}

// BanLedger is the durable set of banned secret credentials.
type BanLedger interface {
	Contains(ctx context.Context, credential string) (bool, error)
	Add(ctx context.Context, credential string) error
	// Remove is idempotent: removing a credential that was never banned is not
	// an error.
	Remove(ctx context.Context, credential string) error
}

// MessageLog is the append-only, time-ordered record of chat events.
type MessageLog interface {
	// Append stores the message and returns it with its assigned id and
	// timestamp. Fan-out must not happen unless Append succeeded.
	Append(ctx context.Context, m Message) (Message, error)
	// QueryRecent returns up to limit messages for the room (roomCode "" means
	// the unscoped default room), ordered oldest to newest.
	QueryRecent(ctx context.Context, roomCode string, limit int) ([]Message, error)
	// QueryByOrigin returns up to limit messages sent from the given network
	// origin across all rooms, newest first. Used by the reassociation
	// heuristic.
	QueryByOrigin(ctx context.Context, origin string, limit int) ([]Message, error)
	// Search returns a page of messages matching the filter, newest first,
	// along with the total match count. Operator surface only.
	Search(ctx context.Context, f MessageFilter) ([]Message, int, error)
	// OriginsForCredential returns the distinct network origins a credential
	// has sent from. Operator surface only.
	OriginsForCredential(ctx context.Context, credential string) ([]string, error)
	// NamesForOrigin returns the current display names of every identity that
	// has sent from the given origin, sorted and de-duplicated. Operator
	// surface only.
	NamesForOrigin(ctx context.Context, origin string) ([]string, error)
}

const defaultSearchPerPage = 30

// normalize applies filter defaults shared by all implementations.
func (f MessageFilter) normalize() MessageFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = defaultSearchPerPage
	}
	return f
}
