package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/llm"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/metrics"
	"echo.app/echo-server/internal/store"
)

// Transcript messages sent as history on the session path.
const historyWindow = 10

// ChatRequest selects the path: a SessionID means the session-aware path with
// enhancement, history and persistence; otherwise DatasetID is searched as is.
type ChatRequest struct {
	UserID    int64
	Question  string
	K         int
	SessionID string
	DatasetID string
}

type ChatResult struct {
	Answer        string          `json:"answer"`
	Quota         QuotaStatus     `json:"chatLimit"`
	Sources       []Source        `json:"sources"`
	NothingFound  bool            `json:"-"`
	EnhancedQuery string          `json:"-"`
	Messages      []store.Message `json:"-"`
}

// StreamSink receives the incremental answer. Start is called once, before the
// first Chunk, and only when a completion is about to run.
type StreamSink interface {
	Start(quota QuotaStatus) error
	Chunk(content string) error
}

type ChatServiceConfig struct {
	Timeout         time.Duration
	MaxContextChars int
}

type ChatService struct {
	db        *store.SQLiteStore
	quota     *QuotaGuard
	rag       *RAGService
	enhancer  *Enhancer
	completer llm.Completer
	metrics   *metrics.Metrics
	cfg       ChatServiceConfig
	log       *logger.Logger
}

func NewChatService(db *store.SQLiteStore, quota *QuotaGuard, rag *RAGService, enhancer *Enhancer,
	completer llm.Completer, m *metrics.Metrics, cfg ChatServiceConfig, log *logger.Logger) *ChatService {
	return &ChatService{
		db:        db,
		quota:     quota,
		rag:       rag,
		enhancer:  enhancer,
		completer: completer,
		metrics:   m,
		cfg:       cfg,
		log:       log.With("service", "ChatService"),
	}
}

func (s *ChatService) Quota() *QuotaGuard { return s.quota }

// Chat runs one turn. With a nil sink the completion is buffered.
//
// On apierr.ErrQuotaExceeded the result carries the quota status and nothing
// else ran. Errors returned after sink.Start belong on the stream.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest, sink StreamSink) (*ChatResult, error) {
	if req.UserID == 0 {
		return nil, apierr.ErrUnauthenticated
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, apierr.Invalid("question is required")
	}
	path := metrics.PathStateless
	if req.SessionID != "" {
		path = metrics.PathSession
	}

	// An unknown session must not cost a turn.
	var namespace string
	if req.SessionID != "" {
		if err := s.db.CheckSession(ctx, req.SessionID, req.UserID); err != nil {
			return nil, err
		}
		namespace = SessionNamespace(req.UserID, req.SessionID)
	} else {
		datasetID, err := NormalizeDatasetID(req.DatasetID)
		if err != nil {
			return nil, err
		}
		namespace = DatasetNamespace(req.UserID, datasetID)
	}

	quota, err := s.quota.CheckAndConsume(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, apierr.ErrQuotaExceeded) {
			s.metrics.QuotaRejections.Inc()
			s.metrics.ChatTurns.WithLabelValues(path, metrics.OutcomeRejected).Inc()
			return &ChatResult{Quota: quota}, err
		}
		return nil, err
	}
	result := &ChatResult{Quota: quota, Sources: []Source{}}

	query := question
	if req.SessionID != "" {
		query = s.enhancer.Enhance(ctx, question)
	}
	result.EnhancedQuery = query

	chunks, err := s.rag.Search(ctx, namespace, query, req.K)
	if err != nil {
		s.metrics.ChatTurns.WithLabelValues(path, metrics.OutcomeFailed).Inc()
		return result, fmt.Errorf("retrieve context: %w", err)
	}
	lang := DetectLanguage(question)
	if len(chunks) == 0 {
		s.log.Info("No context retrieved, skipping completion", "namespace", namespace)
		s.metrics.ChatTurns.WithLabelValues(path, metrics.OutcomeEmpty).Inc()
		result.Answer = NothingFoundAnswer(lang)
		result.NothingFound = true
		return result, nil
	}

	contextBlock, used := BuildContext(chunks, s.cfg.MaxContextChars)
	result.Sources = sourcesOf(chunks[:used])
	completion := llm.CompletionRequest{
		System: SystemPrompt(lang),
		Prompt: BuildPrompt(contextBlock, question),
	}
	if req.SessionID != "" {
		completion.History = s.history(ctx, req.SessionID)
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	started := time.Now()
	if sink != nil {
		if err := sink.Start(quota); err != nil {
			return result, fmt.Errorf("start stream: %w", err)
		}
		result.Answer, err = s.completer.Stream(ctx, completion, sink.Chunk)
	} else {
		result.Answer, err = s.completer.Complete(ctx, completion)
	}
	s.metrics.StreamDuration.WithLabelValues(path).Observe(time.Since(started).Seconds())
	if err != nil {
		s.metrics.ChatTurns.WithLabelValues(path, metrics.OutcomeFailed).Inc()
		return result, fmt.Errorf("completion: %w", err)
	}

	if req.SessionID != "" {
		saved, err := s.db.AppendMessages(context.WithoutCancel(ctx), req.SessionID,
			store.Message{Sender: store.SenderUser, Content: question, RawQuery: question, EnhancedQuery: query},
			store.Message{Sender: store.SenderAssistant, Content: result.Answer},
		)
		if err != nil {
			s.metrics.ChatTurns.WithLabelValues(path, metrics.OutcomeFailed).Inc()
			return result, fmt.Errorf("save transcript: %w", err)
		}
		result.Messages = saved
	}

	if snap, err := s.quota.Snapshot(context.WithoutCancel(ctx), req.UserID); err == nil {
		result.Quota = snap
	}
	s.metrics.ChatTurns.WithLabelValues(path, metrics.OutcomeAnswered).Inc()
	return result, nil
}

func (s *ChatService) history(ctx context.Context, sessionID string) []llm.Turn {
	msgs, err := s.db.GetLastNMessages(ctx, sessionID, historyWindow)
	if err != nil {
		s.log.Warn("Proceeding without history", "session_id", sessionID, "error", err)
		return nil
	}
	turns := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Sender == store.SenderAssistant {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: m.Content})
	}
	return turns
}
