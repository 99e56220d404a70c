package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/streamcast/internal/config"
)

// Message is one entry of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a streamed chat completion.
type Request struct {
	RequestID         string
	Messages          []Message
	TopP              float64
	Temperature       float64
	RepetitionPenalty float64
	MaxTokens         int
}

// Chunk is one incremental piece of model output.
type Chunk struct {
	RequestID string
	Content   string
	Latency   time.Duration
}

// Generator defines a pluggable LLM backend. Implementations call consumer
// once per content delta, in order, and stop when it returns an error.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig, log *slog.Logger) (Generator, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(cfg.MockReply), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model, timeout, log), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, timeout), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
