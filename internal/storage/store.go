package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the queries used by the messaging server.
type Store struct {
	db *sql.DB
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrChannelExists is returned when a channel id is already taken.
var ErrChannelExists = errors.New("channel already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "dashchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection lets SQLite serialize conflicting writes for us.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channel_members (
			channel_id TEXT NOT NULL,
			username TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel_id, username),
			FOREIGN KEY(channel_id) REFERENCES channels(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS channel_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			channel_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			edited_at INTEGER,
			FOREIGN KEY(channel_id) REFERENCES channels(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channel_messages_page
			ON channel_messages(channel_id, created_at DESC, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS direct_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			from_user TEXT NOT NULL,
			to_user TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			seen INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_direct_messages_unseen
			ON direct_messages(to_user, seen, from_user);`,
		`CREATE INDEX IF NOT EXISTS idx_direct_messages_pair
			ON direct_messages(from_user, to_user, created_at DESC, seq DESC);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Cursor selects a page of history. A zero Before means "newest page". BeforeSeq breaks
// ties between rows sharing the Before timestamp; zero means strictly older than Before.
type Cursor struct {
	Before    time.Time
	BeforeSeq int64
}

// IsZero reports whether the cursor points at the newest page.
func (c Cursor) IsZero() bool {
	return c.Before.IsZero()
}

// pageClause renders the cursor predicate for tables ordered by (created_at, seq).
func (c Cursor) pageClause() (string, []any) {
	if c.IsZero() {
		return "", nil
	}
	before := c.Before.UnixMilli()
	if c.Before.After(time.UnixMilli(before)) {
		// rows are stored in whole milliseconds, so none can tie with a finer cursor
		return " AND created_at < ?", []any{before + 1}
	}
	if c.BeforeSeq > 0 {
		return " AND (created_at < ? OR (created_at = ? AND seq < ?))", []any{before, before, c.BeforeSeq}
	}
	return " AND created_at < ?", []any{before}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
