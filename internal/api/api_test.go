package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echo.app/echo-server/internal/auth"
	"echo.app/echo-server/internal/core"
	"echo.app/echo-server/internal/ingest"
	"echo.app/echo-server/internal/llm/llmtest"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/metrics"
	"echo.app/echo-server/internal/store"
	"echo.app/echo-server/internal/vectorstore"
)

type testServer struct {
	handler   http.Handler
	verifier  *auth.Verifier
	completer *llmtest.Completer
	vectors   *vectorstore.Memory
	uploadDir string
}

func newTestServer(t *testing.T, quota int, configure func(*Deps)) *testServer {
	t.Helper()
	log := logger.NewNop()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "echo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := metrics.NewNop()
	vectors := vectorstore.NewMemory()
	provider := llmtest.NewProvider(1536)
	rag := core.NewRAGService(vectors, provider, 0, log)
	require.NoError(t, rag.EnsureIndex(t.Context()))

	// Enhancement falls back to the raw question.
	enhancer := core.NewEnhancer(&llmtest.Completer{Reply: strings.Repeat("x", 700)}, "", 0, nil, m, log)
	quotaGuard := core.NewQuotaGuard(db, quota)
	chat := core.NewChatService(db, quotaGuard, rag, enhancer, provider, m, core.ChatServiceConfig{MaxContextChars: 12000}, log)
	ingestSvc := core.NewIngestService(ingest.NewExtractor(), ingest.NewURLFetcher(log, nil, nil), rag, m, log)

	deps := Deps{
		DB:             db,
		Verifier:       auth.NewVerifier("test-secret"),
		Chat:           chat,
		Sessions:       core.NewSessionService(db, ingestSvc, rag, 10<<20, log),
		Ingest:         ingestSvc,
		Metrics:        m,
		Log:            log,
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 10 << 20,
	}
	if configure != nil {
		configure(&deps)
	}
	return &testServer{
		handler:   NewRouter(NewAPIHandler(deps)),
		verifier:  deps.Verifier,
		completer: provider.Completer,
		vectors:   vectors,
		uploadDir: deps.UploadDir,
	}
}

func (s *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := s.verifier.GenerateJWT(subject, subject+"@example.com", "User "+subject, "")
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return s.do(t, method, path, token, body, "application/json")
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func multipartBody(t *testing.T, fields map[string]string, filename, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data))
			}
		}
		events = append(events, ev)
	}
	return events
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, 10, nil)

	rec := s.doJSON(t, http.MethodGet, "/chat-limit", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ok"])

	rec = s.doJSON(t, http.MethodGet, "/chat-limit", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.doJSON(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode(t, rec), "user")

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Email: "ada@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ada",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	rec = s.doJSON(t, http.MethodGet, "/chat-limit", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "token expired")

	rec = s.doJSON(t, http.MethodGet, "/health", s.token(t, "ada"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]any)
	assert.Equal(t, "ada@example.com", user["email"])
}

func TestIngestThenChat(t *testing.T) {
	s := newTestServer(t, 10, nil)
	tok := s.token(t, "ada")

	body, ct := multipartBody(t, map[string]string{"text": "The sky is blue."}, "", "")
	rec := s.do(t, http.MethodPost, "/ingest", tok, body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "default", out["datasetId"])
	assert.EqualValues(t, 1, out["chunks"])

	rec = s.doJSON(t, http.MethodPost, "/chat?k=6", tok, map[string]string{"question": "What color is the sky?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decode(t, rec)
	assert.Equal(t, true, out["ok"])
	assert.Contains(t, out["answer"], "blue")
	limit := out["chatLimit"].(map[string]any)
	assert.EqualValues(t, 1, limit["used"])
	assert.EqualValues(t, 9, limit["remaining"])

	rec = s.doJSON(t, http.MethodGet, "/chat-limit", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode(t, rec)
	assert.EqualValues(t, 1, out["used"])
	assert.Contains(t, out, "resetTime")
	assert.Nil(t, out["resetTime"])
}

func TestChatValidationAndQuota(t *testing.T) {
	s := newTestServer(t, 1, nil)
	tok := s.token(t, "ada")

	rec := s.doJSON(t, http.MethodPost, "/chat", tok, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.doJSON(t, http.MethodPost, "/chat?k=abc", tok, map[string]string{"question": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/chat", tok, map[string]string{"question": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/chat", tok, map[string]string{"question": "hi again"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, false, out["ok"])
	assert.NotEmpty(t, out["error"])
	limit := out["chatLimit"].(map[string]any)
	assert.EqualValues(t, 1, limit["used"])
	assert.EqualValues(t, 0, limit["remaining"])
	assert.EqualValues(t, 1, limit["total"])
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, 10, nil)
	tok := s.token(t, "ada")

	rec := s.doJSON(t, http.MethodPost, "/sessions", tok, map[string]string{"initialContent": "Quarterly Revenue Report FY24"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode(t, rec)["session"].(map[string]any)
	id := sess["id"].(string)
	assert.Equal(t, "Quarterly Revenue Report FY24", sess["name"])

	rec = s.doJSON(t, http.MethodPatch, "/sessions/"+id, tok, map[string]string{"name": "Revenue"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Revenue", decode(t, rec)["session"].(map[string]any)["name"])

	rec = s.doJSON(t, http.MethodPost, "/sessions/"+id+"/text", tok, map[string]string{"content": "Revenue rose 12% in FY24."})
	require.Equal(t, http.StatusOK, rec.Code)
	inputs := decode(t, rec)["session"].(map[string]any)["inputs"].(map[string]any)
	assert.Len(t, inputs["textSnippets"], 2)

	rec = s.doJSON(t, http.MethodPost, "/sessions/"+id+"/url", tok, map[string]string{"url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(t, http.MethodGet, "/sessions?page=1&limit=5", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Len(t, out["sessions"], 1)
	assert.EqualValues(t, 1, out["pagination"].(map[string]any)["total"])

	other := s.token(t, "bob")
	rec = s.doJSON(t, http.MethodGet, "/sessions/"+id, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.doJSON(t, http.MethodDelete, "/sessions/"+id, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.doJSON(t, http.MethodGet, "/sessions/"+id, tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionFileUploadAndRemoval(t *testing.T) {
	s := newTestServer(t, 10, nil)
	tok := s.token(t, "ada")
	rec := s.doJSON(t, http.MethodPost, "/sessions", tok, map[string]string{"name": "Docs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["session"].(map[string]any)["id"].(string)

	body, ct := multipartBody(t, nil, "notes.md", "# Notes\n\nThe launch is planned for March.")
	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/file", tok, body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	files := decode(t, rec)["session"].(map[string]any)["inputs"].(map[string]any)["uploadedFiles"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "notes.md", files[0].(map[string]any)["filename"])
	assert.Empty(t, dirEntries(t, s.uploadDir), "temporary upload removed")

	body, ct = multipartBody(t, nil, "virus.exe", "MZ")
	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/file", tok, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ok"])
	assert.Empty(t, dirEntries(t, s.uploadDir))

	rec = s.doJSON(t, http.MethodGet, "/sessions/"+id, tok, nil)
	files = decode(t, rec)["session"].(map[string]any)["inputs"].(map[string]any)["uploadedFiles"].([]any)
	assert.Len(t, files, 1, "rejected upload leaves the session untouched")

	rec = s.doJSON(t, http.MethodDelete, "/sessions/"+id+"/file/notes.md", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.doJSON(t, http.MethodDelete, "/sessions/"+id+"/file/notes.md", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionFileTooLarge(t *testing.T) {
	s := newTestServer(t, 10, func(d *Deps) { d.MaxUploadBytes = 16 })
	tok := s.token(t, "ada")
	rec := s.doJSON(t, http.MethodPost, "/sessions", tok, map[string]string{"name": "Docs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["session"].(map[string]any)["id"].(string)

	body, ct := multipartBody(t, nil, "big.txt", strings.Repeat("a", 64))
	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/file", tok, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["error"], "payload too large")
	assert.Empty(t, dirEntries(t, s.uploadDir))
}

func TestSessionChatStreams(t *testing.T) {
	s := newTestServer(t, 10, nil)
	tok := s.token(t, "ada")
	rec := s.doJSON(t, http.MethodPost, "/sessions", tok, map[string]string{"initialContent": "The sky is blue on clear days."})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["session"].(map[string]any)["id"].(string)

	rec = s.doJSON(t, http.MethodPost, "/sessions/"+id+"/chat", tok, map[string]string{"question": "What color is the sky?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "start", events[0].Name)
	assert.EqualValues(t, 1, events[0].Data["chatLimit"].(map[string]any)["used"])

	var streamed strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, "chunk", ev.Name)
		streamed.WriteString(ev.Data["content"].(string))
	}
	end := events[len(events)-1]
	require.Equal(t, "end", end.Name)
	assert.Equal(t, "end", end.Data["type"])
	assert.Equal(t, streamed.String(), end.Data["fullContent"])
	assert.Contains(t, end.Data["fullContent"], "blue")

	rec = s.doJSON(t, http.MethodGet, "/sessions/"+id, tok, nil)
	assert.Len(t, decode(t, rec)["session"].(map[string]any)["messages"], 2)
}

func TestSessionChatStreamError(t *testing.T) {
	s := newTestServer(t, 10, nil)
	tok := s.token(t, "ada")
	rec := s.doJSON(t, http.MethodPost, "/sessions", tok, map[string]string{"initialContent": "Owls hunt at night."})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["session"].(map[string]any)["id"].(string)

	s.completer.Chunks = []string{"Owls ", "hunt"}
	s.completer.Err = assert.AnError
	s.completer.StreamErrAfter = 1

	rec = s.doJSON(t, http.MethodPost, "/sessions/"+id+"/chat", tok, map[string]string{"question": "When do owls hunt?"})
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, []string{"start", "chunk", "error"}, []string{events[0].Name, events[1].Name, events[2].Name})
	assert.Equal(t, "error", events[2].Data["type"])
	assert.NotEmpty(t, events[2].Data["error"])
}

func TestSessionChatNothingFound(t *testing.T) {
	s := newTestServer(t, 10, nil)
	tok := s.token(t, "ada")
	rec := s.doJSON(t, http.MethodPost, "/sessions", tok, map[string]string{"name": "Empty"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["session"].(map[string]any)["id"].(string)

	rec = s.doJSON(t, http.MethodPost, "/sessions/"+id+"/chat", tok, map[string]string{"question": "Anything?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	out := decode(t, rec)
	assert.Equal(t, core.NothingFoundAnswer(core.LanguageEnglish), out["answer"])
	assert.Zero(t, s.completer.Calls())

	rec = s.doJSON(t, http.MethodPost, "/sessions/missing/chat", tok, map[string]string{"question": "Anything?"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, 10, func(d *Deps) {
		d.RateLimitRPS = 0.001
		d.RateLimitBurst = 1
	})
	tok := s.token(t, "ada")

	rec := s.doJSON(t, http.MethodPost, "/chat", tok, map[string]string{"question": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.doJSON(t, http.MethodPost, "/chat", tok, map[string]string{"question": "hi"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotContains(t, decode(t, rec), "chatLimit")

	rec = s.doJSON(t, http.MethodPost, "/chat", s.token(t, "bob"), map[string]string{"question": "hi"})
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per user")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 10, nil)
	tok := s.token(t, "ada")
	s.doJSON(t, http.MethodPost, "/chat", tok, map[string]string{"question": "hi"})

	rec := s.doJSON(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `echo_chat_turns_total{outcome="nothing_found",path="stateless"} 1`)
}

func TestUserLimiterEvictsIdleUsers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newUserLimiter(1, 1)
	l.now = func() time.Time { return now }
	l.lastSweep = now

	for id := int64(1); id <= 5; id++ {
		assert.True(t, l.allow(id))
	}
	assert.Len(t, l.limiters, 5)
	assert.False(t, l.allow(1), "bucket is kept while the user is active")

	now = now.Add(limiterIdle + time.Second)
	assert.True(t, l.allow(6))
	assert.Len(t, l.limiters, 1, "idle users are swept")
	assert.Contains(t, l.limiters, int64(6))
}
