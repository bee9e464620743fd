package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Room is a durable room row.
type Room struct {
	ID            string
	Name          string
	Type          string
	CreatedBy     string
	CreatedAt     int64
	LastMessageAt int64
}

// Participant is a durable membership row.
type Participant struct {
	RoomID   string
	UserID   string
	IsAdmin  bool
	IsActive bool
	JoinedAt int64
}

// UpsertRoom writes the room row, refreshing name and type if it exists.
// created_by and created_at keep their first value.
func (s *Store) UpsertRoom(ctx context.Context, r Room) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("room id is required")
	}
	if r.Type == "" {
		r.Type = "group"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO rooms(id, name, type, created_by, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type`),
		r.ID, r.Name, r.Type, r.CreatedBy, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", r.ID, err)
	}
	return nil
}

// EnsureRoom inserts a room row only if none exists. It reports whether a row
// was written.
func (s *Store) EnsureRoom(ctx context.Context, r Room) (bool, error) {
	if strings.TrimSpace(r.ID) == "" {
		return false, fmt.Errorf("room id is required")
	}
	if r.Type == "" {
		r.Type = "group"
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO rooms(id, name, type, created_by, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`),
		r.ID, r.Name, r.Type, r.CreatedBy, r.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("ensure room %s: %w", r.ID, err)
	}
	return affected(res) > 0, nil
}

// UpsertParticipant marks the user an active participant of the room. Admin
// status is sticky: once granted, a later non-admin upsert keeps it.
func (s *Store) UpsertParticipant(ctx context.Context, p Participant) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO room_participants(room_id, user_id, is_admin, is_active, joined_at)
		VALUES(?, ?, ?, TRUE, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			is_admin = (room_participants.is_admin OR excluded.is_admin),
			is_active = TRUE`),
		p.RoomID, p.UserID, p.IsAdmin, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert participant %s/%s: %w", p.RoomID, p.UserID, err)
	}
	return nil
}

// DeactivateParticipant clears is_active for the membership row. A missing
// row is not an error.
func (s *Store) DeactivateParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE room_participants SET is_active = FALSE
		WHERE room_id = ? AND user_id = ? AND is_active = TRUE`),
		roomID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate participant %s/%s: %w", roomID, userID, err)
	}
	return affected(res) > 0, nil
}

// Room returns one room row.
func (s *Store) Room(ctx context.Context, id string) (Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, type, created_by, created_at, last_message_at
		FROM rooms WHERE id = ?`), id,
	).Scan(&r.ID, &r.Name, &r.Type, &r.CreatedBy, &r.CreatedAt, &r.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room %s: %w", id, err)
	}
	return r, nil
}

// Rooms returns every room, most recently active first.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, created_by, created_at, last_message_at
		FROM rooms ORDER BY last_message_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.CreatedBy, &r.CreatedAt, &r.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Participants returns the membership rows of a room ordered by user id.
func (s *Store) Participants(ctx context.Context, roomID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT room_id, user_id, is_admin, is_active, joined_at
		FROM room_participants WHERE room_id = ? ORDER BY user_id ASC`), roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.IsAdmin, &p.IsActive, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Counts is a row count summary used by the status command.
type Counts struct {
	Rooms        int64
	Participants int64
	Messages     int64
	Receipts     int64
	Reactions    int64
	Blobs        int64
}

// Counts returns row totals for every durable table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	targets := []struct {
		table string
		dst   *int64
	}{
		{"rooms", &c.Rooms},
		{"room_participants", &c.Participants},
		{"messages", &c.Messages},
		{"read_receipts", &c.Receipts},
		{"message_reactions", &c.Reactions},
		{"blobs", &c.Blobs},
	}
	for _, tgt := range targets {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tgt.table).Scan(tgt.dst); err != nil {
			return Counts{}, fmt.Errorf("count %s: %w", tgt.table, err)
		}
	}
	return c, nil
}
