package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// openaiGenerator talks to any OpenAI-compatible chat completions server,
// e.g. an lmdeploy api_server.
type openaiGenerator struct {
	client oai.Client
	log    *slog.Logger

	mu    sync.Mutex
	model string
}

func NewOpenAIGenerator(endpoint, apiKey, model string, timeout time.Duration, log *slog.Logger) Generator {
	opts := []option.RequestOption{option.WithBaseURL(endpoint)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		opts = append(opts, option.WithAPIKey("none"))
	}
	if timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return &openaiGenerator{
		client: oai.NewClient(opts...),
		model:  model,
		log:    log.With(slog.String("component", "llm-openai")),
	}
}

// resolveModel returns the configured model or, when none is set, the first
// one the server lists.
func (g *openaiGenerator) resolveModel(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.model != "" {
		return g.model, nil
	}
	page, err := g.client.Models.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list models: %w", err)
	}
	if len(page.Data) == 0 {
		return "", errors.New("llm server lists no models")
	}
	g.model = page.Data[0].ID
	g.log.Info("selected llm model", slog.String("model", g.model))
	return g.model, nil
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model, err := g.resolveModel(ctx)
	if err != nil {
		return err
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: convertMessages(req.Messages),
	}
	if req.TopP > 0 {
		params.TopP = param.NewOpt(req.TopP)
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	var reqOpts []option.RequestOption
	if req.RepetitionPenalty > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("repetition_penalty", req.RepetitionPenalty))
	}

	stream := g.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	start := time.Now()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := consumer(Chunk{RequestID: req.RequestID, Content: content, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("llm stream: %w", err)
	}
	return nil
}

func convertMessages(msgs []Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, oai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}
