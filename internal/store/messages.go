package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Message is a durable chat message row.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Content   string
	Type      string
	FileURL   string
	FileName  string
	FileSize  int64
	ReplyTo   string
	CreatedAt int64
}

// Reaction is one (message, user, emoji) row.
type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt int64
}

// InsertMessage stores a message keyed by its id and advances the room's
// last_message_at. A second insert of the same id writes nothing and reports
// false.
func (s *Store) InsertMessage(ctx context.Context, m Message) (bool, error) {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.RoomID) == "" {
		return false, fmt.Errorf("message id and room id are required")
	}
	if m.Type == "" {
		m.Type = "text"
	}

	var inserted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO messages(id, room_id, sender_id, content, type, file_url, file_name, file_size, reply_to, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`),
			m.ID, m.RoomID, m.SenderID, m.Content, m.Type, m.FileURL, m.FileName, m.FileSize, m.ReplyTo, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		inserted = affected(res) > 0
		if !inserted {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE rooms SET last_message_at = ?
			WHERE id = ? AND last_message_at < ?`),
			m.CreatedAt, m.RoomID, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("touch room %s: %w", m.RoomID, err)
		}
		return nil
	})
	return inserted, err
}

// GetMessages returns up to limit most recent messages of a room, oldest first.
func (s *Store) GetMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, room_id, sender_id, content, type, file_url, file_name, file_size, reply_to, created_at
		FROM (
			SELECT * FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) recent ORDER BY created_at ASC, id ASC`), roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Type, &m.FileURL, &m.FileName, &m.FileSize, &m.ReplyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertReadReceipts records that userID read each message. Already recorded
// pairs are skipped. It returns the number of new rows.
func (s *Store) InsertReadReceipts(ctx context.Context, userID string, messageIDs []string, readAt int64) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO read_receipts(message_id, user_id, read_at)
			VALUES(?, ?, ?) ON CONFLICT(message_id, user_id) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("prepare read receipt: %w", err)
		}
		defer stmt.Close()

		for _, id := range messageIDs {
			res, err := stmt.ExecContext(ctx, id, userID, readAt)
			if err != nil {
				return fmt.Errorf("insert read receipt %s: %w", id, err)
			}
			n += int(affected(res))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReadCount returns how many users have read a message.
func (s *Store) ReadCount(ctx context.Context, messageID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM read_receipts WHERE message_id = ?`), messageID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count read receipts: %w", err)
	}
	return n, nil
}

// AddReaction records a reaction. It reports false if the tuple already exists.
func (s *Store) AddReaction(ctx context.Context, r Reaction) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO message_reactions(message_id, user_id, emoji, created_at)
		VALUES(?, ?, ?, ?) ON CONFLICT(message_id, user_id, emoji) DO NOTHING`),
		r.MessageID, r.UserID, r.Emoji, r.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("add reaction: %w", err)
	}
	return affected(res) > 0, nil
}

// RemoveReaction deletes a reaction tuple. It reports false if none existed.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM message_reactions
		WHERE message_id = ? AND user_id = ? AND emoji = ?`),
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	return affected(res) > 0, nil
}

// Reactions returns the reactions on a message in insertion order.
func (s *Store) Reactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT message_id, user_id, emoji, created_at
		FROM message_reactions WHERE message_id = ? ORDER BY created_at ASC, user_id ASC, emoji ASC`), messageID)
	if err != nil {
		return nil, fmt.Errorf("get reactions: %w", err)
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
