package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"echo.app/echo-server/internal/apierr"
)

// Session methods

func (s *SQLiteStore) CreateSession(ctx context.Context, userID int64, name string) (*Session, error) {
	now := time.Now().UTC()
	session := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           name,
		CreatedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
		Messages:       []Message{},
		Inputs:         emptyInputs(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, name, created_at, last_activity_at, is_active) VALUES (?, ?, ?, ?, ?, TRUE)",
		session.ID, userID, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func emptyInputs() SessionInputs {
	return SessionInputs{
		TextSnippets:  []TextSnippet{},
		UploadedURLs:  []UploadedURL{},
		UploadedFiles: []UploadedFile{},
	}
}

// GetSession returns the active session owned by userID with its inputs and full
// transcript. A session owned by someone else is reported as not found.
func (s *SQLiteStore) GetSession(ctx context.Context, id string, userID int64) (*Session, error) {
	session, err := s.getSessionRow(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if session.Inputs, err = s.loadInputs(ctx, id); err != nil {
		return nil, err
	}
	if session.Messages, err = s.loadMessages(ctx, id, -1); err != nil {
		return nil, err
	}
	return session, nil
}

// CheckSession reports apierr.ErrNotFound unless the session is active and owned
// by userID. It reads the session row only.
func (s *SQLiteStore) CheckSession(ctx context.Context, id string, userID int64) error {
	_, err := s.getSessionRow(ctx, id, userID)
	return err
}

func (s *SQLiteStore) getSessionRow(ctx context.Context, id string, userID int64) (*Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, created_at, last_activity_at, is_active FROM sessions WHERE id = ? AND user_id = ? AND is_active = TRUE",
		id, userID).Scan(&session.ID, &session.UserID, &session.Name, &session.CreatedAt, &session.LastActivityAt, &session.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, apierr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	session.Messages = []Message{}
	session.Inputs = emptyInputs()
	return &session, nil
}

// ListSessions pages through the user's active sessions, most recent activity first.
// Listed sessions carry no transcript or inputs.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID int64, page, limit int) ([]Session, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = ? AND is_active = TRUE", userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, name, created_at, last_activity_at, is_active
        FROM sessions
        WHERE user_id = ? AND is_active = TRUE
        ORDER BY last_activity_at DESC, rowid DESC
        LIMIT ? OFFSET ?`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.UserID, &session.Name, &session.CreatedAt, &session.LastActivityAt, &session.IsActive); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		session.Messages = []Message{}
		session.Inputs = emptyInputs()
		sessions = append(sessions, session)
	}
	return sessions, total, rows.Err()
}

func (s *SQLiteStore) RenameSession(ctx context.Context, id string, userID int64, name string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET name = ?, last_activity_at = ? WHERE id = ? AND user_id = ? AND is_active = TRUE",
		name, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	return requireOneRow(res, id)
}

// SoftDeleteSession hides the session. Its vectors are left in place.
func (s *SQLiteStore) SoftDeleteSession(ctx context.Context, id string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET is_active = FALSE WHERE id = ? AND user_id = ? AND is_active = TRUE", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireOneRow(res, id)
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, apierr.ErrNotFound)
	}
	return nil
}

func touchSession(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx, "UPDATE sessions SET last_activity_at = ? WHERE id = ?", at, id)
	return err
}

// Input methods

// AddInput appends one text, url or file entry to the session and bumps its activity.
func (s *SQLiteStore) AddInput(ctx context.Context, userID int64, in SessionInput) (*SessionInput, error) {
	switch in.Kind {
	case InputText, InputURL, InputFile:
	default:
		return nil, apierr.Invalid("unknown input kind %q", in.Kind)
	}
	if _, err := s.getSessionRow(ctx, in.SessionID, userID); err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.AddedAt.IsZero() {
		in.AddedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	_, err = tx.ExecContext(ctx, `
        INSERT INTO session_inputs (id, session_id, kind, content, reference, mime_type, size, added_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.Kind, in.Content, in.Reference, in.MimeType, in.Size, in.AddedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session input: %w", err)
	}
	if err = touchSession(ctx, tx, in.SessionID, in.AddedAt); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session input: %w", err)
	}
	return &in, nil
}

// RemoveFileInput deletes every file entry named filename from the session.
func (s *SQLiteStore) RemoveFileInput(ctx context.Context, sessionID string, userID int64, filename string) error {
	if _, err := s.getSessionRow(ctx, sessionID, userID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM session_inputs WHERE session_id = ? AND kind = ? AND reference = ?", sessionID, InputFile, filename)
	if err != nil {
		return fmt.Errorf("failed to remove file input: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", filename, apierr.ErrNotFound)
	}
	if err = touchSession(ctx, tx, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) loadInputs(ctx context.Context, sessionID string) (SessionInputs, error) {
	inputs := emptyInputs()
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, kind, content, reference, mime_type, size, added_at
        FROM session_inputs WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return inputs, fmt.Errorf("failed to query session inputs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var in SessionInput
		if err := rows.Scan(&in.ID, &in.Kind, &in.Content, &in.Reference, &in.MimeType, &in.Size, &in.AddedAt); err != nil {
			return inputs, fmt.Errorf("failed to scan session input: %w", err)
		}
		switch in.Kind {
		case InputText:
			inputs.TextSnippets = append(inputs.TextSnippets, TextSnippet{ID: in.ID, Content: in.Content, AddedAt: in.AddedAt})
		case InputURL:
			inputs.UploadedURLs = append(inputs.UploadedURLs, UploadedURL{ID: in.ID, URL: in.Reference, AddedAt: in.AddedAt})
		case InputFile:
			inputs.UploadedFiles = append(inputs.UploadedFiles, UploadedFile{
				ID: in.ID, Filename: in.Reference, MimeType: in.MimeType, Size: in.Size, AddedAt: in.AddedAt,
			})
		}
	}
	return inputs, rows.Err()
}

// Message methods

// AppendMessages writes the messages in order and touches the session in one transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs ...Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO messages (id, session_id, sender, content, raw_query, enhanced_query, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	saved := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Sender != SenderUser && msg.Sender != SenderAssistant {
			return nil, apierr.Invalid("unknown sender %q", msg.Sender)
		}
		msg.ID = uuid.NewString()
		msg.SessionID = sessionID
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		if _, err := stmt.ExecContext(ctx, msg.ID, sessionID, msg.Sender, msg.Content, msg.RawQuery, msg.EnhancedQuery, msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}
		saved = append(saved, msg)
	}
	if err = touchSession(ctx, tx, sessionID, now); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return saved, nil
}

// GetLastNMessages returns up to n most recent messages in chronological order.
func (s *SQLiteStore) GetLastNMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	return s.loadMessages(ctx, sessionID, n)
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	// LIMIT -1 means no limit in SQLite.
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, session_id, sender, content, raw_query, enhanced_query, timestamp
        FROM messages
        WHERE session_id = ?
        ORDER BY seq DESC
        LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Content, &msg.RawQuery, &msg.EnhancedQuery, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
