package core

import (
	"context"
	"strings"
	"time"

	"echo.app/echo-server/internal/cache"
	"echo.app/echo-server/internal/llm"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/metrics"
)

const (
	enhanceSystemInstruction = "You rewrite search queries for a document retrieval system. " +
		"Expand the user's question with close synonyms and the key terms a relevant passage would contain. " +
		"Keep the original intent and language. Return only the rewritten query on a single line."

	enhanceMaxTokens = 120
	// Longer outputs mean the model answered instead of rewriting.
	enhanceMaxChars = 600
)

// Enhancer rewrites a question into a retrieval-friendly query. It never fails:
// any problem yields the raw question.
type Enhancer struct {
	completer llm.Completer
	model     string
	timeout   time.Duration
	cache     cache.Cache
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewEnhancer builds an enhancer; cache may be nil.
func NewEnhancer(completer llm.Completer, model string, timeout time.Duration, c cache.Cache, m *metrics.Metrics, log *logger.Logger) *Enhancer {
	return &Enhancer{
		completer: completer,
		model:     model,
		timeout:   timeout,
		cache:     c,
		metrics:   m,
		log:       log.With("service", "Enhancer"),
	}
}

func (e *Enhancer) Enhance(ctx context.Context, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	key := cache.Key(raw)
	if e.cache != nil {
		if hit, ok, err := e.cache.Get(ctx, key); err != nil {
			e.log.Warn("Enhancement cache read failed", "error", err)
		} else if ok {
			return hit
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	temp := float32(0.2)
	out, err := e.completer.Complete(ctx, llm.CompletionRequest{
		System:      enhanceSystemInstruction,
		Prompt:      raw,
		MaxTokens:   enhanceMaxTokens,
		Temperature: &temp,
		Model:       e.model,
	})
	enhanced := strings.Trim(strings.TrimSpace(out), "\"'")
	if err != nil || enhanced == "" || len(enhanced) > enhanceMaxChars {
		e.log.Debug("Query enhancement fell back to raw query", "error", err)
		e.metrics.EnhanceFallbacks.Inc()
		return raw
	}

	if e.cache != nil {
		if err := e.cache.Set(context.WithoutCancel(ctx), key, enhanced); err != nil {
			e.log.Warn("Enhancement cache write failed", "error", err)
		}
	}
	return enhanced
}
