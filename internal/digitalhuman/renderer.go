// Package digitalhuman drives the video-synthesis collaborator that turns a
// merged speech track into a talking-head video.
package digitalhuman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/streamcast/internal/config"
)

// Request asks for one video rendered from SourcePath. The renderer writes
// VideoPath first and SentinelPath once the video is complete.
type Request struct {
	UserID       string
	RequestID    string
	Sequence     int
	SourcePath   string
	VideoPath    string
	SentinelPath string
}

type Renderer interface {
	Render(ctx context.Context, req Request) error
}

func NewRenderer(cfg config.DigitalHumanConfig) (Renderer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRenderer(), nil
	case "http":
		return NewHTTPRenderer(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported digital_human mode %q", cfg.Mode)
	}
}

type httpRenderer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRenderer(endpoint string, timeout time.Duration) Renderer {
	return &httpRenderer{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type httpRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	ChunkID   int    `json:"chunk_id"`
	TTSPath   string `json:"tts_path"`
}

func (h *httpRenderer) Render(ctx context.Context, req Request) error {
	body, err := json.Marshal(httpRequest{
		UserID:    req.UserID,
		RequestID: req.RequestID,
		ChunkID:   req.Sequence,
		TTSPath:   req.SourcePath,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("digital human request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("digital human returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type mockRenderer struct {
	delay time.Duration
}

// NewMockRenderer copies the source track into the video slot and then
// drops the sentinel, which is enough for the pipeline to complete.
func NewMockRenderer() Renderer {
	return &mockRenderer{delay: 100 * time.Millisecond}
}

func (m *mockRenderer) Render(ctx context.Context, req Request) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	src, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return fmt.Errorf("read source track: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.VideoPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(req.VideoPath, src, 0o644); err != nil {
		return err
	}
	return os.WriteFile(req.SentinelPath, []byte(req.VideoPath), 0o644)
}
