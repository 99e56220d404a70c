package tts

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/streamcast/internal/artifact"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth writes a short silent WAV per sentence.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	// 20ms of audio per rune
	frames := utf8.RuneCountInString(req.Sentence) * m.sampleRate / 50
	samples := make([]int, frames*m.channels)
	p := artifact.Params{Channels: m.channels, BitDepth: 16, SampleRate: m.sampleRate, AudioFormat: 1}
	return artifact.WriteWAV(req.OutputPath, p, samples)
}
