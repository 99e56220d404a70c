package digitalhuman

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/streamcast/internal/config"
)

func TestMockRendererWritesVideoThenSentinel(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "r.wav")
	if err := os.WriteFile(src, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	req := Request{
		RequestID:    "r",
		SourcePath:   src,
		VideoPath:    filepath.Join(dir, "dh", "r.mp4"),
		SentinelPath: filepath.Join(dir, "dh", "r.txt"),
	}
	r := &mockRenderer{}
	if err := r.Render(context.Background(), req); err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, p := range []string{req.VideoPath, req.SentinelPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s: %v", p, err)
		}
	}
}

func TestMockRendererMissingSource(t *testing.T) {
	r := &mockRenderer{}
	if err := r.Render(context.Background(), Request{SourcePath: filepath.Join(t.TempDir(), "none.wav")}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestHTTPRendererPayload(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL, time.Second)
	if err := r.Render(context.Background(), Request{UserID: "u", RequestID: "r", SourcePath: "/srv/tts/r.wav"}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got.ChunkID != 0 || got.TTSPath != "/srv/tts/r.wav" || got.RequestID != "r" {
		t.Fatalf("unexpected payload %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if err := NewHTTPRenderer(failing.URL, time.Second).Render(context.Background(), Request{}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestNewRendererModes(t *testing.T) {
	cfg := config.Default().DigitalHuman
	if _, err := NewRenderer(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Mode = "local"
	if _, err := NewRenderer(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
