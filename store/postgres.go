package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// PG implements all four stores on top of a Postgres connection.
type PG struct {
	DB *sql.DB
}

// NewPG returns a Postgres-backed store.
func NewPG(db *sql.DB) *PG { return &PG{DB: db} }

var (
	_ IdentityStore = (*PG)(nil)
	_ RoomDirectory = (*PG)(nil)
	_ BanLedger     = (*PG)(nil)
	_ MessageLog    = (*PG)(nil)
)

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err))
	}
}

// NewPublicID mints a short public identifier. Eight hex characters keeps it
// human-relayable while staying unique enough for a single deployment.
func NewPublicID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewCredential mints a fresh secret credential (cryptographically random).
func NewCredential() string { return uuid.NewString() }

// --- IdentityStore -----------------------------------------------------------

func (s *PG) GetByCredential(ctx context.Context, credential string) (Identity, bool, error) {
	var id Identity
	row := s.DB.QueryRowContext(ctx,
		`SELECT credential, display_name, public_id, first_seen FROM identities WHERE credential=$1`, credential)
	err := row.Scan(&id.Credential, &id.DisplayName, &id.PublicID, &id.FirstSeen)
	if err == sql.ErrNoRows {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("get identity: %w", err)
	}
	return id, true, nil
}

func (s *PG) Upsert(ctx context.Context, credential, displayName string) (Identity, error) {
	// The freshly minted public id is only used on insert; on conflict the
	// existing one is kept (public ids are immutable once assigned).
	var id Identity
	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO identities (credential, display_name, public_id, first_seen)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (credential) DO UPDATE SET display_name=EXCLUDED.display_name
		 RETURNING credential, display_name, public_id, first_seen`,
		credential, displayName, NewPublicID())
	if err := row.Scan(&id.Credential, &id.DisplayName, &id.PublicID, &id.FirstSeen); err != nil {
		return Identity{}, fmt.Errorf("upsert identity: %w", err)
	}
	return id, nil
}

func (s *PG) List(ctx context.Context) ([]Identity, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT credential, display_name, public_id, first_seen FROM identities ORDER BY first_seen ASC`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer closeRows(rows)
	out := make([]Identity, 0)
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Credential, &id.DisplayName, &id.PublicID, &id.FirstSeen); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- RoomDirectory -----------------------------------------------------------

func (s *PG) Exists(ctx context.Context, code string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE code=$1`, code).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("room exists: %w", err)
	}
	return true, nil
}

func (s *PG) Create(ctx context.Context, code, displayName, creatorCredential string) error {
	if displayName == "" {
		displayName = code
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO rooms (code, display_name, creator_credential, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NOW())
		 ON CONFLICT (code) DO NOTHING`,
		code, displayName, creatorCredential)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

func (s *PG) Get(ctx context.Context, code string) (Room, bool, error) {
	var (
		r       Room
		creator sql.NullString
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT code, display_name, creator_credential, created_at FROM rooms WHERE code=$1`, code)
	err := row.Scan(&r.Code, &r.DisplayName, &creator, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return Room{}, false, nil
	}
	if err != nil {
		return Room{}, false, fmt.Errorf("get room: %w", err)
	}
	r.CreatorCredential = creator.String
	return r, true, nil
}

func (s *PG) ListAll(ctx context.Context) ([]Room, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT code, display_name, creator_credential, created_at FROM rooms ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer closeRows(rows)
	out := make([]Room, 0)
	for rows.Next() {
		var (
			r       Room
			creator sql.NullString
		)
		if err := rows.Scan(&r.Code, &r.DisplayName, &creator, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.CreatorCredential = creator.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- BanLedger ---------------------------------------------------------------

func (s *PG) Contains(ctx context.Context, credential string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE credential=$1`, credential).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ban contains: %w", err)
	}
	return true, nil
}

func (s *PG) Add(ctx context.Context, credential string) error {
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO bans (credential) VALUES ($1) ON CONFLICT (credential) DO NOTHING`, credential); err != nil {
		return fmt.Errorf("ban add: %w", err)
	}
	return nil
}

func (s *PG) Remove(ctx context.Context, credential string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM bans WHERE credential=$1`, credential); err != nil {
		return fmt.Errorf("ban remove: %w", err)
	}
	return nil
}

// --- MessageLog --------------------------------------------------------------

func (s *PG) Append(ctx context.Context, m Message) (Message, error) {
	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO messages (sender_origin, sender_credential, room_code, body, created_at)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, NOW())
		 RETURNING id, created_at`,
		m.SenderOrigin, m.SenderCredential, m.RoomCode, m.Body)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		var (
			m          Message
			credential sql.NullString
			room       sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SenderOrigin, &credential, &room, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderCredential = credential.String
		m.RoomCode = room.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PG) QueryRecent(ctx context.Context, roomCode string, limit int) ([]Message, error) {
	// Fetch newest-first so the limit keeps the most recent rows, then reverse
	// to the oldest-first order history replay wants.
	var (
		rows *sql.Rows
		err  error
	)
	if roomCode == "" {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT id, sender_origin, sender_credential, room_code, body, created_at
			 FROM messages WHERE room_code IS NULL ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT id, sender_origin, sender_credential, room_code, body, created_at
			 FROM messages WHERE room_code=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, roomCode, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer closeRows(rows)
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PG) QueryByOrigin(ctx context.Context, origin string, limit int) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, sender_origin, sender_credential, room_code, body, created_at
		 FROM messages WHERE sender_origin=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, origin, limit)
	if err != nil {
		return nil, fmt.Errorf("query by origin: %w", err)
	}
	defer closeRows(rows)
	return scanMessages(rows)
}

func (s *PG) Search(ctx context.Context, f MessageFilter) ([]Message, int, error) {
	f = f.normalize()
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Query != "" {
		add("body ILIKE $%d", "%"+f.Query+"%")
	}
	if f.Room != "" {
		add("room_code=$%d", f.Room)
	}
	if f.Credential != "" {
		add("sender_credential=$%d", f.Credential)
	}
	if f.Origin != "" {
		add("sender_origin=$%d", f.Origin)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages `+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	offset := (f.Page - 1) * f.PerPage
	args = append(args, f.PerPage, offset)
	rows, err := s.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, sender_origin, sender_credential, room_code, body, created_at
		 FROM messages %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			whereSQL, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search: %w", err)
	}
	defer closeRows(rows)
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (s *PG) NamesForOrigin(ctx context.Context, origin string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT i.display_name FROM messages m
		 JOIN identities i ON i.credential = m.sender_credential
		 WHERE m.sender_origin=$1 ORDER BY i.display_name`, origin)
	if err != nil {
		return nil, fmt.Errorf("names for origin: %w", err)
	}
	defer closeRows(rows)
	out := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PG) OriginsForCredential(ctx context.Context, credential string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT sender_origin FROM messages WHERE sender_credential=$1 ORDER BY sender_origin`, credential)
	if err != nil {
		return nil, fmt.Errorf("origins for credential: %w", err)
	}
	defer closeRows(rows)
	out := make([]string, 0)
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan origin: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
