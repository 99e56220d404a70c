package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/streamcast/internal/config"
)

// Request asks for one sentence to be spoken into OutputPath.
type Request struct {
	UserID     string
	RequestID  string
	Sequence   int
	Sentence   string
	OutputPath string
}

// Synthesizer is the contract for producing a speech artifact. It returns
// once the artifact has been written or the attempt failed.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) error
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "http":
		return NewHTTPSynth(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
