package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type httpSynth struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSynth calls a remote TTS service that writes the artifact onto the
// shared speech directory itself.
func NewHTTPSynth(endpoint string, timeout time.Duration) Synthesizer {
	return &httpSynth{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type httpRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Sentence  string `json:"sentence"`
	ChunkID   int    `json:"chunk_id"`
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) error {
	body, err := json.Marshal(httpRequest{
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Sentence:  req.Sentence,
		ChunkID:   req.Sequence,
	})
	if err != nil {
		return err
	}
	// The TTS service reads its parameters from a GET body.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tts returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
