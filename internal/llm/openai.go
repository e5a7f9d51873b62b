package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/config"
	"echo.app/echo-server/internal/logger"
)

// Embedding inputs per request; the API rejects larger batches.
const openAIEmbedBatch = 256

type OpenAI struct {
	client     *openai.Client
	chatModel  string
	embedModel string
	dimension  int
	log        *logger.Logger
}

func NewOpenAI(cfg config.Config, log *logger.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	log.Info("Initializing OpenAI client", "chat_model", cfg.OpenAIChatModel, "embed_model", cfg.OpenAIEmbedModel)
	return &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		chatModel:  cfg.OpenAIChatModel,
		embedModel: cfg.OpenAIEmbedModel,
		dimension:  cfg.EmbeddingDimension,
		log:        log,
	}
}

func (o *OpenAI) Close() error { return nil }

func (o *OpenAI) Dimension() int { return o.dimension }

func (o *OpenAI) chatRequest(req CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = o.chatModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	out := openai.ChatCompletionRequest{Model: model, Messages: messages}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	return out
}

func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	o.log.Debug("Generating text via OpenAI", "model", req.Model)
	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(req))
	if err != nil {
		return "", apierr.Provider("openai completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", apierr.Provider("openai completion", errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (string, error) {
	chatReq := o.chatRequest(req)
	chatReq.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return "", apierr.Provider("openai stream", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), apierr.Provider("openai stream", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return full.String(), err
		}
	}
}

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openAIEmbedBatch {
		end := min(start+openAIEmbedBatch, len(texts))
		req := openai.EmbeddingRequestStrings{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(o.embedModel),
		}
		if o.dimension > 0 && o.embedModel != string(openai.AdaEmbeddingV2) {
			req.Dimensions = o.dimension
		}
		resp, err := o.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, apierr.Provider("openai embedding", err)
		}
		if len(resp.Data) != end-start {
			return nil, apierr.Provider("openai embedding", fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), end-start))
		}
		batch := make([][]float32, len(resp.Data))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, apierr.Provider("openai embedding", fmt.Errorf("embedding index %d out of range", d.Index))
			}
			batch[d.Index] = d.Embedding
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
