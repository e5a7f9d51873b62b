package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echo.app/echo-server/internal/apierr"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "echo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestUser(t *testing.T, s *SQLiteStore, subject string) *User {
	t.Helper()
	u, err := s.UpsertUserByIdentity(context.Background(), subject, subject+"@example.com", "Test "+subject, "")
	require.NoError(t, err)
	return u
}

func TestUpsertUserByIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertUserByIdentity(ctx, "sub-1", "Ada@Example.com", "Ada", "http://img/a.png")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", first.Email)
	assert.Zero(t, first.ChatUsed)

	second, err := s.UpsertUserByIdentity(ctx, "sub-1", "ada@example.com", "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ada", second.Name, "empty profile fields keep the stored value")
	assert.Equal(t, "http://img/a.png", second.AvatarURL)

	byEmail, err := s.GetUserByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, first.ID, byEmail.ID)

	missing, err := s.GetUserByEmail(ctx, "nobody@example.com")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.UpsertUserByIdentity(ctx, "", "x@example.com", "", "")
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)
}

func TestConsumeChatTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "quota")

	for i := 1; i <= 3; i++ {
		used, err := s.ConsumeChatTurn(ctx, u.ID, 3)
		require.NoError(t, err)
		assert.Equal(t, i, used)
	}

	used, err := s.ConsumeChatTurn(ctx, u.ID, 3)
	assert.ErrorIs(t, err, apierr.ErrQuotaExceeded)
	assert.Equal(t, 3, used)

	_, err = s.ConsumeChatTurn(ctx, 4242, 3)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	got, found, err := s.GetChatUsed(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got)
}

func TestConsumeChatTurn_ConcurrentLastSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "race")

	const total = 5
	for i := 0; i < total-1; i++ {
		_, err := s.ConsumeChatTurn(ctx, u.ID, total)
		require.NoError(t, err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < total+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeChatTurn(ctx, u.ID, total)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apierr.ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, total, rejected)
	used, _, err := s.GetChatUsed(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, total, used)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	sess, err := s.CreateSession(ctx, alice.ID, "Notes")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.True(t, sess.IsActive)

	_, err = s.GetSession(ctx, sess.ID, bob.ID)
	assert.ErrorIs(t, err, apierr.ErrNotFound, "other users cannot see the session")
	require.NoError(t, s.CheckSession(ctx, sess.ID, alice.ID))
	assert.ErrorIs(t, s.CheckSession(ctx, sess.ID, bob.ID), apierr.ErrNotFound)

	_, err = s.AddInput(ctx, alice.ID, SessionInput{SessionID: sess.ID, Kind: InputText, Content: "hello"})
	require.NoError(t, err)
	_, err = s.AddInput(ctx, alice.ID, SessionInput{SessionID: sess.ID, Kind: InputURL, Reference: "https://example.com"})
	require.NoError(t, err)
	_, err = s.AddInput(ctx, alice.ID, SessionInput{SessionID: sess.ID, Kind: InputFile, Reference: "a.pdf", Size: 12})
	require.NoError(t, err)
	_, err = s.AddInput(ctx, alice.ID, SessionInput{SessionID: sess.ID, Kind: "video"})
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)

	got, err := s.GetSession(ctx, sess.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, got.Inputs.TextSnippets, 1)
	assert.Equal(t, "hello", got.Inputs.TextSnippets[0].Content)
	require.Len(t, got.Inputs.UploadedURLs, 1)
	assert.True(t, got.HasFile("a.pdf"))

	require.NoError(t, s.RemoveFileInput(ctx, sess.ID, alice.ID, "a.pdf"))
	assert.ErrorIs(t, s.RemoveFileInput(ctx, sess.ID, alice.ID, "a.pdf"), apierr.ErrNotFound)
	got, err = s.GetSession(ctx, sess.ID, alice.ID)
	require.NoError(t, err)
	assert.False(t, got.HasFile("a.pdf"))

	require.NoError(t, s.RenameSession(ctx, sess.ID, alice.ID, "Renamed"))
	assert.ErrorIs(t, s.RenameSession(ctx, sess.ID, bob.ID, "Hijack"), apierr.ErrNotFound)

	require.NoError(t, s.SoftDeleteSession(ctx, sess.ID, alice.ID))
	_, err = s.GetSession(ctx, sess.ID, alice.ID)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	assert.ErrorIs(t, s.CheckSession(ctx, sess.ID, alice.ID), apierr.ErrNotFound)
	assert.ErrorIs(t, s.SoftDeleteSession(ctx, sess.ID, alice.ID), apierr.ErrNotFound)
}

func TestListSessions_ActiveNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "lister")

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		sess, err := s.CreateSession(ctx, u.ID, name)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		time.Sleep(2 * time.Millisecond)
	}
	// Activity on the oldest session moves it to the front.
	_, err := s.AppendMessages(ctx, ids[0], Message{Sender: SenderUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteSession(ctx, ids[1], u.ID))

	sessions, total, err := s.ListSessions(ctx, u.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, sessions, 2)
	assert.Equal(t, "one", sessions[0].Name)
	assert.Equal(t, "three", sessions[1].Name)

	page2, total, err := s.ListSessions(ctx, u.ID, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page2, 1)
	assert.Equal(t, "three", page2[0].Name)
}

func TestMessages_ChronologicalWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "talker")
	sess, err := s.CreateSession(ctx, u.ID, "chat")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := s.AppendMessages(ctx, sess.ID,
			Message{Sender: SenderUser, Content: string(rune('a' + i)), RawQuery: "raw", EnhancedQuery: "enhanced"},
			Message{Sender: SenderAssistant, Content: string(rune('A' + i))},
		)
		require.NoError(t, err)
	}

	last, err := s.GetLastNMessages(ctx, sess.ID, 4)
	require.NoError(t, err)
	require.Len(t, last, 4)
	assert.Equal(t, []string{"e", "E", "f", "F"}, []string{last[0].Content, last[1].Content, last[2].Content, last[3].Content})
	assert.Equal(t, "enhanced", last[0].EnhancedQuery)

	full, err := s.GetSession(ctx, sess.ID, u.ID)
	require.NoError(t, err)
	assert.Len(t, full.Messages, 12)
	assert.Equal(t, "a", full.Messages[0].Content)

	_, err = s.AppendMessages(ctx, sess.ID, Message{Sender: "system", Content: "x"})
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)
}
