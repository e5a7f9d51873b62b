package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/auth"
	"echo.app/echo-server/internal/core"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/metrics"
	"echo.app/echo-server/internal/store"
)

// Multipart bodies may carry form fields on top of the file itself.
const multipartOverhead = 1 << 20

type Deps struct {
	DB             *store.SQLiteStore
	Verifier       *auth.Verifier
	Chat           *core.ChatService
	Sessions       *core.SessionService
	Ingest         *core.IngestService
	Metrics        *metrics.Metrics
	Log            *logger.Logger
	UploadDir      string
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
}

type APIHandler struct {
	db        *store.SQLiteStore
	verifier  *auth.Verifier
	chat      *core.ChatService
	sessions  *core.SessionService
	ingest    *core.IngestService
	metrics   *metrics.Metrics
	log       *logger.Logger
	validate  *validator.Validate
	limiter   *userLimiter
	uploadDir string
	maxUpload int64
}

func NewAPIHandler(d Deps) *APIHandler {
	h := &APIHandler{
		db:        d.DB,
		verifier:  d.Verifier,
		chat:      d.Chat,
		sessions:  d.Sessions,
		ingest:    d.Ingest,
		metrics:   d.Metrics,
		log:       d.Log.With("component", "api"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		uploadDir: d.UploadDir,
		maxUpload: d.MaxUploadBytes,
	}
	if d.RateLimitRPS > 0 {
		h.limiter = newUserLimiter(d.RateLimitRPS, max(d.RateLimitBurst, 1))
	}
	if h.uploadDir == "" {
		h.uploadDir = os.TempDir()
	}
	return h
}

type errorResponse struct {
	OK        bool              `json:"ok"`
	Error     string            `json:"error"`
	ChatLimit *core.QuotaStatus `json:"chatLimit,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWithQuota(w, r, err, nil)
}

func (h *APIHandler) writeErrorWithQuota(w http.ResponseWriter, r *http.Request, err error, quota *core.QuotaStatus) {
	status := apierr.StatusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if !errors.Is(err, apierr.ErrProviderFailure) {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, errorResponse{OK: false, Error: msg, ChatLimit: quota})
}

// decodeJSON reads and validates a request body.
func (h *APIHandler) decodeJSON(r *http.Request, v any) error {
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return apierr.Invalid("invalid request body: %v", err)
		}
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apierr.Invalid("%s failed the %q check", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return apierr.Invalid("%v", err)
	}
	return nil
}

func parseTopK(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("k")
	if raw == "" {
		return core.DefaultTopK, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 1 {
		return 0, apierr.Invalid("k must be a positive integer")
	}
	return core.NormalizeTopK(k), nil
}

func parsePositive(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apierr.Invalid("%s must be a positive integer", key)
	}
	return n, nil
}

// Health

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if user := UserFrom(r.Context()); user != nil {
		resp["user"] = user
	}
	writeJSON(w, http.StatusOK, resp)
}

// Quota

func (h *APIHandler) ChatLimitHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	q, err := h.chat.Quota().Snapshot(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"used":      q.Used,
		"remaining": q.Remaining,
		"total":     q.Total,
		"resetTime": q.ResetTime,
	})
}

// Stateless chat and ingest

type ChatRequestBody struct {
	Question string `json:"question" validate:"required,max=4000"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	var body ChatRequestBody
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	k, err := parseTopK(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.chat.Chat(r.Context(), core.ChatRequest{
		UserID:    user.ID,
		Question:  body.Question,
		K:         k,
		DatasetID: r.URL.Query().Get("datasetId"),
	}, nil)
	if err != nil {
		h.writeChatError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"answer":    res.Answer,
		"chatLimit": res.Quota,
		"sources":   res.Sources,
	})
}

func (h *APIHandler) writeChatError(w http.ResponseWriter, r *http.Request, res *core.ChatResult, err error) {
	if errors.Is(err, apierr.ErrQuotaExceeded) && res != nil {
		h.writeErrorWithQuota(w, r, err, &res.Quota)
		return
	}
	h.writeError(w, r, err)
}

func (h *APIHandler) IngestHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if err := h.parseMultipart(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	datasetID, err := core.NormalizeDatasetID(r.URL.Query().Get("datasetId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := core.IngestRequest{
		Text: r.FormValue("text"),
		URL:  strings.TrimSpace(r.FormValue("url")),
	}
	if files := r.MultipartForm.File["file"]; len(files) > 0 {
		upload, cleanup, err := h.saveUpload(files[0])
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		defer cleanup()
		req.File = upload
	}

	n, err := h.ingest.Ingest(r.Context(), user.ID, datasetID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "datasetId": datasetID, "chunks": n})
}

// Uploads

func (h *APIHandler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("upload exceeds %d bytes: %w", h.maxUpload, apierr.ErrPayloadTooLarge)
		}
		return apierr.Invalid("invalid multipart form: %v", err)
	}
	return nil
}

// saveUpload copies an uploaded part into the upload directory. The returned
// cleanup removes it and must be called on every path.
func (h *APIHandler) saveUpload(fh *multipart.FileHeader) (*core.UploadedFile, func(), error) {
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		return nil, func() {}, fmt.Errorf("%s is %d bytes: %w", fh.Filename, fh.Size, apierr.ErrPayloadTooLarge)
	}
	src, err := fh.Open()
	if err != nil {
		return nil, func() {}, apierr.Invalid("unreadable upload: %v", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(h.uploadDir, "upload-*"+strings.ToLower(filepath.Ext(fh.Filename)))
	if err != nil {
		return nil, func() {}, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(dst.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.log.Warn("Failed to remove upload", "path", dst.Name(), "error", err)
		}
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("store upload: %w", err)
	}
	return &core.UploadedFile{
		Path:     dst.Name(),
		Filename: filepath.Base(fh.Filename),
		MimeType: fh.Header.Get("Content-Type"),
		Size:     size,
	}, cleanup, nil
}

// Sessions

type CreateSessionRequest struct {
	Name           string `json:"name" validate:"max=200"`
	InitialContent string `json:"initialContent"`
}

type RenameSessionRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type AddTextRequest struct {
	Content string `json:"content" validate:"required"`
}

type AddURLRequest struct {
	URL string `json:"url" validate:"required,url"`
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	var req CreateSessionRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.sessions.Create(r.Context(), user.ID, req.Name, req.InitialContent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "session": sess})
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	page, err := parsePositive(r, "page", 1)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := parsePositive(r, "limit", 10)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sessions, pagination, err := h.sessions.List(r.Context(), user.ID, page, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": sessions, "pagination": pagination})
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	sess, err := h.sessions.Get(r.Context(), user.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
}

func (h *APIHandler) RenameSessionHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	var req RenameSessionRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.sessions.Rename(r.Context(), user.ID, chi.URLParam(r, "sessionID"), req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
}

func (h *APIHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if err := h.sessions.SoftDelete(r.Context(), user.ID, chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *APIHandler) AddTextHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	var req AddTextRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.sessions.AddText(r.Context(), user.ID, chi.URLParam(r, "sessionID"), req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
}

func (h *APIHandler) AddURLHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	var req AddURLRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.sessions.AddURL(r.Context(), user.ID, chi.URLParam(r, "sessionID"), req.URL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
}

func (h *APIHandler) AddFileHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if err := h.parseMultipart(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		h.writeError(w, r, apierr.Invalid("file is required"))
		return
	}
	upload, cleanup, err := h.saveUpload(files[0])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer cleanup()

	sess, err := h.sessions.AddFile(r.Context(), user.ID, chi.URLParam(r, "sessionID"), upload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
}

func (h *APIHandler) RemoveFileHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	err := h.sessions.RemoveFile(r.Context(), user.ID, chi.URLParam(r, "sessionID"), chi.URLParam(r, "filename"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// SessionChatHandler streams the answer as server-sent events. When nothing is
// retrieved the fixed answer is returned as plain JSON instead.
func (h *APIHandler) SessionChatHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	var body ChatRequestBody
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	k, err := parseTopK(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	stream := newSSEStream(w, h.metrics)
	defer stream.Close()
	res, err := h.chat.Chat(r.Context(), core.ChatRequest{
		UserID:    user.ID,
		Question:  body.Question,
		K:         k,
		SessionID: sessionID,
	}, stream)

	switch {
	case err != nil && !stream.started:
		h.writeChatError(w, r, res, err)
	case err != nil:
		h.log.Error("Chat stream failed", "session_id", sessionID, "error", err)
		msg := "failed to generate a response"
		if errors.Is(err, apierr.ErrProviderFailure) {
			msg = err.Error()
		}
		if serr := stream.Error(msg); serr != nil {
			h.log.Debug("Could not deliver error event", "session_id", sessionID, "error", serr)
		}
	case res.NothingFound:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":           true,
			"answer":       res.Answer,
			"chatLimit":    res.Quota,
			"sources":      res.Sources,
			"nothingFound": true,
		})
	default:
		if serr := stream.End(res); serr != nil {
			h.log.Debug("Could not deliver end event", "session_id", sessionID, "error", serr)
		}
	}
}
