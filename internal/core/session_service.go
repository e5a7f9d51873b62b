package core

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/ingest"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/store"
	"echo.app/echo-server/internal/utils"
)

const (
	maxSessionNameChars = 60
	// MaxSnippetChars bounds a single text input.
	MaxSnippetChars = 100_000
)

// Pagination describes one page of a session listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type SessionService struct {
	db      *store.SQLiteStore
	ingest  *IngestService
	rag     *RAGService
	maxFile int64
	log     *logger.Logger
}

func NewSessionService(db *store.SQLiteStore, ingestSvc *IngestService, rag *RAGService, maxFileBytes int64, log *logger.Logger) *SessionService {
	return &SessionService{
		db:      db,
		ingest:  ingestSvc,
		rag:     rag,
		maxFile: maxFileBytes,
		log:     log.With("service", "SessionService"),
	}
}

// DeriveSessionName builds a display name from initial content, falling back
// to a dated default.
func DeriveSessionName(initialContent string, now time.Time) string {
	name := strings.TrimFunc(utils.CollapseSpace(initialContent), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	name = utils.TruncateWords(name, maxSessionNameChars)
	if name == "" {
		return "Session " + now.Format("2006-01-02 15:04")
	}
	return name
}

// Create makes a new session. Initial content becomes the first text snippet;
// a failure to index it is logged and does not fail the call.
func (s *SessionService) Create(ctx context.Context, userID int64, name, initialContent string) (*store.Session, error) {
	if userID == 0 {
		return nil, apierr.ErrUnauthenticated
	}
	name = strings.TrimSpace(name)
	initialContent = strings.TrimSpace(initialContent)
	if len(initialContent) > MaxSnippetChars {
		return nil, apierr.Invalid("initialContent exceeds %d characters", MaxSnippetChars)
	}
	if name == "" {
		name = DeriveSessionName(initialContent, time.Now())
	}
	if len(name) > 200 {
		return nil, apierr.Invalid("name is too long")
	}

	sess, err := s.db.CreateSession(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	s.log.Info("Session created", "session_id", sess.ID, "user_id", userID)
	if initialContent == "" {
		return sess, nil
	}

	if _, err := s.db.AddInput(ctx, userID, store.SessionInput{
		SessionID: sess.ID, Kind: store.InputText, Content: initialContent,
	}); err != nil {
		return nil, err
	}
	if _, err := s.ingest.IndexSegments(ctx, SessionNamespace(userID, sess.ID), ingest.SourceText,
		[]ingest.Segment{ingest.TextSegment(initialContent)}, s.tags(userID, sess.ID)); err != nil {
		s.log.Error("Failed to index initial content", "session_id", sess.ID, "error", err)
	}
	return s.db.GetSession(ctx, sess.ID, userID)
}

func (s *SessionService) List(ctx context.Context, userID int64, page, limit int) ([]store.Session, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	limit = min(limit, 100)
	sessions, total, err := s.db.ListSessions(ctx, userID, page, limit)
	if err != nil {
		return nil, Pagination{}, err
	}
	return sessions, Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

func (s *SessionService) Get(ctx context.Context, userID int64, sessionID string) (*store.Session, error) {
	return s.db.GetSession(ctx, sessionID, userID)
}

func (s *SessionService) Rename(ctx context.Context, userID int64, sessionID, name string) (*store.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.Invalid("name is required")
	}
	if len(name) > 200 {
		return nil, apierr.Invalid("name is too long")
	}
	if err := s.db.RenameSession(ctx, sessionID, userID, name); err != nil {
		return nil, err
	}
	return s.db.GetSession(ctx, sessionID, userID)
}

// SoftDelete hides the session. Its vectors stay in the index.
func (s *SessionService) SoftDelete(ctx context.Context, userID int64, sessionID string) error {
	if err := s.db.SoftDeleteSession(ctx, sessionID, userID); err != nil {
		return err
	}
	s.log.Info("Session deleted", "session_id", sessionID, "user_id", userID)
	return nil
}

// AddText records a snippet, then indexes it.
func (s *SessionService) AddText(ctx context.Context, userID int64, sessionID, content string) (*store.Session, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apierr.Invalid("content is required")
	}
	if len(content) > MaxSnippetChars {
		return nil, apierr.Invalid("content exceeds %d characters", MaxSnippetChars)
	}
	if _, err := s.db.AddInput(ctx, userID, store.SessionInput{
		SessionID: sessionID, Kind: store.InputText, Content: content,
	}); err != nil {
		return nil, err
	}
	if _, err := s.ingest.IndexSegments(ctx, SessionNamespace(userID, sessionID), ingest.SourceText,
		[]ingest.Segment{ingest.TextSegment(content)}, s.tags(userID, sessionID)); err != nil {
		return nil, fmt.Errorf("index text: %w", err)
	}
	return s.db.GetSession(ctx, sessionID, userID)
}

// AddURL scrapes the page, records the URL, then indexes the page text. A page
// that cannot be scraped is indexed as a placeholder.
func (s *SessionService) AddURL(ctx context.Context, userID int64, sessionID, rawURL string) (*store.Session, error) {
	pageURL, err := ingest.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := s.db.CheckSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	seg, err := s.ingest.FetchURL(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.AddInput(ctx, userID, store.SessionInput{
		SessionID: sessionID, Kind: store.InputURL, Reference: pageURL,
	}); err != nil {
		return nil, err
	}
	if _, err := s.ingest.IndexSegments(ctx, SessionNamespace(userID, sessionID), ingest.SourceURL,
		[]ingest.Segment{seg}, s.tags(userID, sessionID)); err != nil {
		return nil, fmt.Errorf("index url: %w", err)
	}
	return s.db.GetSession(ctx, sessionID, userID)
}

// AddFile extracts an uploaded document and attaches it. Nothing is written
// unless the session exists and the file is a supported, non-empty document
// within the size limit.
func (s *SessionService) AddFile(ctx context.Context, userID int64, sessionID string, f *UploadedFile) (*store.Session, error) {
	if f == nil || f.Filename == "" {
		return nil, apierr.Invalid("file is required")
	}
	if err := s.db.CheckSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	if _, err := ingest.CheckFileType(f.Filename, f.MimeType, ingest.SessionFileTypes); err != nil {
		return nil, err
	}
	if s.maxFile > 0 && f.Size > s.maxFile {
		return nil, fmt.Errorf("%s is %d bytes: %w", f.Filename, f.Size, apierr.ErrPayloadTooLarge)
	}
	segments, err := s.ingest.ExtractFile(f, ingest.SessionFileTypes)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.AddInput(ctx, userID, store.SessionInput{
		SessionID: sessionID, Kind: store.InputFile, Reference: f.Filename, MimeType: f.MimeType, Size: f.Size,
	}); err != nil {
		return nil, err
	}
	n, err := s.ingest.IndexSegments(ctx, SessionNamespace(userID, sessionID), ingest.SourceFile, segments, s.tags(userID, sessionID))
	if err != nil {
		return nil, fmt.Errorf("index file: %w", err)
	}
	s.log.Info("File attached", "session_id", sessionID, "filename", f.Filename, "chunks", n)
	return s.db.GetSession(ctx, sessionID, userID)
}

// RemoveFile deletes the file's vectors and then its session entry, so a
// failed call can be retried until both are gone.
func (s *SessionService) RemoveFile(ctx context.Context, userID int64, sessionID, filename string) error {
	if strings.TrimSpace(filename) == "" {
		return apierr.Invalid("filename is required")
	}
	sess, err := s.db.GetSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if !sess.HasFile(filename) {
		return fmt.Errorf("file %s: %w", filename, apierr.ErrNotFound)
	}
	if err := s.rag.DeleteByMetadata(ctx, SessionNamespace(userID, sessionID), map[string]any{"filename": filename}); err != nil {
		return err
	}
	return s.db.RemoveFileInput(ctx, sessionID, userID, filename)
}

func (s *SessionService) tags(userID int64, sessionID string) map[string]any {
	return map[string]any{"sessionId": sessionID, "userId": userID}
}
