package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"echo.app/echo-server/internal/apierr"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if path, _, _ := strings.Cut(dataSourceName, "?"); path != "" && !strings.HasPrefix(path, ":memory:") {
		if dir := filepath.Dir(strings.TrimPrefix(path, "file:")); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	if !strings.Contains(dataSourceName, "?") {
		dataSourceName += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; the quota update still relies on its
	// own WHERE precondition rather than on this.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        subject TEXT UNIQUE NOT NULL,
        email TEXT UNIQUE NOT NULL,
        name TEXT NOT NULL DEFAULT '',
        avatar_url TEXT NOT NULL DEFAULT '',
        chat_used INTEGER NOT NULL DEFAULT 0 CHECK (chat_used >= 0),
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        name TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        last_activity_at DATETIME NOT NULL,
        is_active BOOLEAN NOT NULL DEFAULT TRUE,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_user_activity ON sessions (user_id, is_active, last_activity_at);

    CREATE TABLE IF NOT EXISTS session_inputs (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        session_id TEXT NOT NULL,
        kind TEXT NOT NULL CHECK (kind IN ('text', 'url', 'file')),
        content TEXT NOT NULL DEFAULT '',
        reference TEXT NOT NULL DEFAULT '',
        mime_type TEXT NOT NULL DEFAULT '',
        size INTEGER NOT NULL DEFAULT 0,
        added_at DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );
    CREATE INDEX IF NOT EXISTS idx_session_inputs_session ON session_inputs (session_id, kind);

    CREATE TABLE IF NOT EXISTS messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        session_id TEXT NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'assistant')),
        content TEXT NOT NULL,
        raw_query TEXT NOT NULL DEFAULT '',
        enhanced_query TEXT NOT NULL DEFAULT '',
        timestamp DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

const userColumns = "id, subject, email, name, avatar_url, chat_used, created_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Subject, &user.Email, &user.Name, &user.AvatarURL, &user.ChatUsed, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpsertUserByIdentity creates the user on first identity exchange and refreshes
// profile fields on later ones.
func (s *SQLiteStore) UpsertUserByIdentity(ctx context.Context, subject, email, name, avatarURL string) (*User, error) {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(email) == "" {
		return nil, apierr.Invalid("identity subject and email are required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (subject, email, name, avatar_url, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(subject) DO UPDATE SET
            email = excluded.email,
            name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
            avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END`,
		subject, strings.ToLower(email), name, avatarURL, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE subject = ?", subject))
	if err != nil {
		return nil, fmt.Errorf("failed to load upserted user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// Quota methods

// ConsumeChatTurn increments chat_used by one only while it is below total, in a
// single conditional UPDATE. It returns the new used count.
func (s *SQLiteStore) ConsumeChatTurn(ctx context.Context, userID int64, total int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET chat_used = chat_used + 1 WHERE id = ? AND chat_used < ?", userID, total)
	if err != nil {
		return 0, fmt.Errorf("failed to consume chat turn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	used, found, err := s.GetChatUsed(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("user %d: %w", userID, apierr.ErrNotFound)
	}
	if affected == 0 {
		return used, apierr.ErrQuotaExceeded
	}
	return used, nil
}

func (s *SQLiteStore) GetChatUsed(ctx context.Context, userID int64) (int, bool, error) {
	var used int
	err := s.db.QueryRowContext(ctx, "SELECT chat_used FROM users WHERE id = ?", userID).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query chat usage: %w", err)
	}
	return used, true, nil
}
