package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Channel is a named conversation space. Messages reference it by ID.
type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateChannel inserts the channel and enrolls its creator as the first member.
func (s *Store) CreateChannel(ctx context.Context, id, name, createdBy string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO channels(id, name, created_by) VALUES(?, ?, ?)`, id, name, createdBy); err != nil {
		if isConstraintError(err) {
			return ErrChannelExists
		}
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO channel_members(channel_id, username) VALUES(?, ?)`, id, createdBy); err != nil {
		return err
	}
	return tx.Commit()
}

// GetChannel returns nil, nil when the channel does not exist.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_by, created_at FROM channels WHERE id = ?`, id)
	var ch Channel
	if err := row.Scan(&ch.ID, &ch.Name, &ch.CreatedBy, &ch.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ch, nil
}

// ListChannels returns all channels ordered by id.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_by, created_at FROM channels ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.CreatedBy, &ch.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// AddChannelMember is idempotent.
func (s *Store) AddChannelMember(ctx context.Context, channelID, username string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO channel_members(channel_id, username) VALUES(?, ?)`, channelID, username)
	return err
}

// IsChannelMember reports whether username belongs to the channel.
func (s *Store) IsChannelMember(ctx context.Context, channelID, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM channel_members WHERE channel_id = ? AND username = ?`, channelID, username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
