package llm

import (
	"context"
	"time"
)

type mockGenerator struct {
	deltas []string
	delay  time.Duration
}

// NewMockGenerator streams reply back two runes at a time.
func NewMockGenerator(reply string) Generator {
	runes := []rune(reply)
	var deltas []string
	for i := 0; i < len(runes); i += 2 {
		end := min(i+2, len(runes))
		deltas = append(deltas, string(runes[i:end]))
	}
	return &mockGenerator{deltas: deltas, delay: 20 * time.Millisecond}
}

// NewScriptedGenerator replays deltas exactly as given with no delay.
func NewScriptedGenerator(deltas ...string) Generator {
	return &mockGenerator{deltas: deltas}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	for _, d := range m.deltas {
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer(Chunk{RequestID: req.RequestID, Content: d, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	return nil
}
