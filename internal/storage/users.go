package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Roles stored in users.role.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User represents a row in the users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	Role         string
	CreatedAt    time.Time
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte, role string) (int64, error) {
	if role == "" {
		role = RoleMember
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO users(username, password_hash, role) VALUES(?, ?, ?)`, username, passwordHash, role)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetUserByUsername fetches a user by username. It returns nil, nil when the user is unknown.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username)
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// UserExists is the directory lookup used to validate identities and recipients.
func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE username = ?`, username).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetRole replaces the stored role for a user.
func (s *Store) SetRole(ctx context.Context, username, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role=? WHERE username=?`, role, username)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
