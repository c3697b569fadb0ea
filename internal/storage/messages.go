package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ChannelMessage is a message posted to a channel.
type ChannelMessage struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	ChannelID string     `json:"channelId"`
	Sender    string     `json:"sender"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// DirectMessage is a one-to-one message. Seen only ever moves from false to true.
type DirectMessage struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Seen      bool      `json:"seen"`
}

const channelMessageColumns = `seq, id, channel_id, sender, body, created_at, edited_at`

const directMessageColumns = `seq, id, from_user, to_user, body, created_at, seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannelMessage(row rowScanner) (ChannelMessage, error) {
	var (
		msg       ChannelMessage
		createdAt int64
		editedAt  sql.NullInt64
	)
	if err := row.Scan(&msg.Seq, &msg.ID, &msg.ChannelID, &msg.Sender, &msg.Text, &createdAt, &editedAt); err != nil {
		return ChannelMessage{}, err
	}
	msg.CreatedAt = fromMillis(createdAt)
	if editedAt.Valid {
		edited := fromMillis(editedAt.Int64)
		msg.EditedAt = &edited
	}
	return msg, nil
}

func scanDirectMessage(row rowScanner) (DirectMessage, error) {
	var (
		msg       DirectMessage
		createdAt int64
		seen      int
	)
	if err := row.Scan(&msg.Seq, &msg.ID, &msg.From, &msg.To, &msg.Text, &createdAt, &seen); err != nil {
		return DirectMessage{}, err
	}
	msg.CreatedAt = fromMillis(createdAt)
	msg.Seen = seen != 0
	return msg, nil
}

// InsertChannelMessage persists msg unless a message with the same ID already exists, in
// which case the stored row is returned and created is false.
func (s *Store) InsertChannelMessage(ctx context.Context, msg ChannelMessage) (stored ChannelMessage, created bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_messages(id, channel_id, sender, body, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.Sender, msg.Text, toMillis(msg.CreatedAt))
	if err != nil {
		return ChannelMessage{}, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return ChannelMessage{}, false, err
	}
	if rows == 0 {
		existing, err := s.GetChannelMessage(ctx, msg.ID)
		if err != nil {
			return ChannelMessage{}, false, err
		}
		if existing == nil {
			return ChannelMessage{}, false, errors.New("channel message insert ignored without existing row")
		}
		return *existing, false, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ChannelMessage{}, false, err
	}
	msg.Seq = seq
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))
	return msg, true, nil
}

// GetChannelMessage returns nil, nil when the id is unknown.
func (s *Store) GetChannelMessage(ctx context.Context, id string) (*ChannelMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelMessageColumns+` FROM channel_messages WHERE id = ?`, id)
	msg, err := scanChannelMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// UpdateChannelMessageText rewrites the body and stamps edited_at.
func (s *Store) UpdateChannelMessageText(ctx context.Context, id, text string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channel_messages SET body=?, edited_at=? WHERE id=?`, text, toMillis(editedAt), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// DeleteChannelMessage removes the message permanently.
func (s *Store) DeleteChannelMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channel_messages WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ChannelHistory returns up to limit messages of a channel older than the cursor,
// newest first.
func (s *Store) ChannelHistory(ctx context.Context, channelID string, cursor Cursor, limit int) ([]ChannelMessage, error) {
	clause, args := cursor.pageClause()
	query := `SELECT ` + channelMessageColumns + ` FROM channel_messages WHERE channel_id = ?` + clause +
		` ORDER BY created_at DESC, seq DESC LIMIT ?`
	params := append([]any{channelID}, args...)
	params = append(params, limit)
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := make([]ChannelMessage, 0, limit)
	for rows.Next() {
		msg, err := scanChannelMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// InsertDirectMessage persists msg with seen=false. Re-inserting an existing ID returns the
// stored row untouched, so a retried send never resets the seen flag.
func (s *Store) InsertDirectMessage(ctx context.Context, msg DirectMessage) (stored DirectMessage, created bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO direct_messages(id, from_user, to_user, body, created_at, seen) VALUES(?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.From, msg.To, msg.Text, toMillis(msg.CreatedAt))
	if err != nil {
		return DirectMessage{}, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return DirectMessage{}, false, err
	}
	if rows == 0 {
		row := s.db.QueryRowContext(ctx, `SELECT `+directMessageColumns+` FROM direct_messages WHERE id = ?`, msg.ID)
		existing, err := scanDirectMessage(row)
		if err != nil {
			return DirectMessage{}, false, err
		}
		return existing, false, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return DirectMessage{}, false, err
	}
	msg.Seq = seq
	msg.Seen = false
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))
	return msg, true, nil
}

// Conversation returns up to limit messages exchanged between a and b older than the
// cursor, newest first.
func (s *Store) Conversation(ctx context.Context, a, b string, cursor Cursor, limit int) ([]DirectMessage, error) {
	clause, args := cursor.pageClause()
	query := `SELECT ` + directMessageColumns + ` FROM direct_messages
		WHERE ((from_user = ? AND to_user = ?) OR (from_user = ? AND to_user = ?))` + clause +
		` ORDER BY created_at DESC, seq DESC LIMIT ?`
	params := append([]any{a, b, b, a}, args...)
	params = append(params, limit)
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := make([]DirectMessage, 0, limit)
	for rows.Next() {
		msg, err := scanDirectMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkSeen flips every unseen message from -> to and returns how many changed.
func (s *Store) MarkSeen(ctx context.Context, from, to string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE direct_messages SET seen = 1 WHERE from_user = ? AND to_user = ? AND seen = 0`, from, to)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCounts groups the unseen messages addressed to "to" by sender.
func (s *Store) UnreadCounts(ctx context.Context, to string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_user, COUNT(1)
		FROM direct_messages
		WHERE to_user = ? AND seen = 0
		GROUP BY from_user
	`, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var (
			from  string
			count int
		)
		if err := rows.Scan(&from, &count); err != nil {
			return nil, err
		}
		counts[from] = count
	}
	return counts, rows.Err()
}

func expectOneRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
