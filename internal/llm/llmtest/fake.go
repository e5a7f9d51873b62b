// Package llmtest provides deterministic in-process providers for tests.
package llmtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"echo.app/echo-server/internal/llm"
)

// Embedder hashes lowercased words into a fixed number of buckets, so texts
// sharing words have positive cosine similarity.
type Embedder struct {
	Dim int
	Err error

	mu    sync.Mutex
	calls int
}

func NewEmbedder(dim int) *Embedder { return &Embedder{Dim: dim} }

func (e *Embedder) Dimension() int { return e.Dim }

func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float32 {
	vec := make([]float32, e.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%e.Dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Completer replays scripted output. With no script it answers with the
// prompt's first context entry, which keeps grounded answers checkable.
type Completer struct {
	Reply  string
	Chunks []string
	Err    error
	// StreamErrAfter fails the stream after this many chunks when Err is set.
	StreamErrAfter int

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func (c *Completer) record(req llm.CompletionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
}

func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *Completer) Requests() []llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.CompletionRequest(nil), c.requests...)
}

func (c *Completer) answer(req llm.CompletionRequest) string {
	if c.Reply != "" {
		return c.Reply
	}
	if len(c.Chunks) > 0 {
		return strings.Join(c.Chunks, "")
	}
	for _, line := range strings.Split(req.Prompt, "\n") {
		if strings.HasPrefix(line, "[1] ") {
			return "According to [1]: " + strings.TrimPrefix(line, "[1] ")
		}
	}
	return "I don't know."
}

func (c *Completer) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	c.record(req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.Err != nil {
		return "", c.Err
	}
	return c.answer(req), nil
}

func (c *Completer) Stream(ctx context.Context, req llm.CompletionRequest, onDelta func(string) error) (string, error) {
	c.record(req)
	chunks := c.Chunks
	if len(chunks) == 0 {
		chunks = strings.SplitAfter(c.answer(req), " ")
	}
	var full strings.Builder
	for i, chunk := range chunks {
		if c.Err != nil && i >= c.StreamErrAfter {
			return full.String(), c.Err
		}
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		full.WriteString(chunk)
		if err := onDelta(chunk); err != nil {
			return full.String(), err
		}
	}
	if c.Err != nil {
		return full.String(), c.Err
	}
	return full.String(), nil
}

// Provider bundles the fakes into an llm.Provider.
type Provider struct {
	*Embedder
	*Completer
}

func NewProvider(dim int) *Provider {
	return &Provider{Embedder: NewEmbedder(dim), Completer: &Completer{}}
}

func (p *Provider) Close() error { return nil }
