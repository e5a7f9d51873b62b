package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/config"
	"echo.app/echo-server/internal/logger"
)

const geminiEmbedBatch = 100

type Gemini struct {
	client     *genai.Client
	chatModel  string
	embedModel string
	dimension  int
	log        *logger.Logger
}

func NewGemini(ctx context.Context, cfg config.Config, log *logger.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{
		client:     client,
		chatModel:  cfg.GeminiChatModel,
		embedModel: cfg.GeminiEmbedModel,
		dimension:  cfg.EmbeddingDimension,
		log:        log,
	}, nil
}

func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		g.log.Warn("Error closing GenAI client", "error", err)
		return err
	}
	g.log.Info("GenAI client closed.")
	return nil
}

func (g *Gemini) Dimension() int { return g.dimension }

func (g *Gemini) chatSession(req CompletionRequest) *genai.ChatSession {
	name := req.Model
	if name == "" {
		name = g.chatModel
	}
	model := g.client.GenerativeModel(name)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		model.MaxOutputTokens = &maxTokens
	}
	if req.Temperature != nil {
		model.Temperature = req.Temperature
	}

	cs := model.StartChat()
	for _, turn := range req.History {
		role := "user"
		if turn.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}
	return cs
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return text.String()
}

func (g *Gemini) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := g.chatSession(req).SendMessage(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", apierr.Provider("gemini completion", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", apierr.Provider("gemini completion", errors.New("empty response"))
	}
	return text, nil
}

func (g *Gemini) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (string, error) {
	iter := g.chatSession(req).SendMessageStream(ctx, genai.Text(req.Prompt))

	var full strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), apierr.Provider("gemini stream", err)
		}
		delta := responseText(resp)
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return full.String(), err
		}
	}
}

func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	em := g.client.EmbeddingModel(g.embedModel)
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiEmbedBatch {
		end := min(start+geminiEmbedBatch, len(texts))
		batch := em.NewBatch()
		for _, text := range texts[start:end] {
			batch.AddContent(genai.Text(text))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, apierr.Provider("gemini embedding", err)
		}
		if len(res.Embeddings) != end-start {
			return nil, apierr.Provider("gemini embedding", fmt.Errorf("got %d embeddings for %d inputs", len(res.Embeddings), end-start))
		}
		for _, e := range res.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return nil, apierr.Provider("gemini embedding", errors.New("no embedding data received"))
			}
			vectors = append(vectors, e.Values)
		}
	}
	return vectors, nil
}
