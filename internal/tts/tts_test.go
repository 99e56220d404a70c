package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/streamcast/internal/artifact"
	"github.com/loqalabs/streamcast/internal/config"
)

func TestMockSynthWritesWAV(t *testing.T) {
	out := filepath.Join(t.TempDir(), "r-00000001.wav")
	s := NewMockSynth(16000, 1)
	if err := s.Synthesize(context.Background(), Request{RequestID: "r", Sequence: 1, Sentence: "你好。", OutputPath: out}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	p, samples, err := artifact.ReadWAV(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if p.SampleRate != 16000 || p.Channels != 1 || p.BitDepth != 16 {
		t.Fatalf("unexpected params %v", p)
	}
	if len(samples) != 3*16000/50 {
		t.Fatalf("unexpected sample count %d", len(samples))
	}
}

func TestHTTPSynthSendsChunkID(t *testing.T) {
	var got httpRequest
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSynth(srv.URL, time.Second)
	err := s.Synthesize(context.Background(), Request{UserID: "u", RequestID: "r", Sequence: 2, Sentence: "第二句。"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if method != http.MethodGet {
		t.Fatalf("expected GET, got %s", method)
	}
	if got.ChunkID != 2 || got.RequestID != "r" || got.UserID != "u" || got.Sentence != "第二句。" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestHTTPSynthReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPSynth(srv.URL, time.Second).Synthesize(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestExecSynthWritesPCM(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	s, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AQACAA==\",\"final\":true}"'`, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	out := filepath.Join(t.TempDir(), "a.wav")
	if err := s.Synthesize(context.Background(), Request{Sentence: "hi", OutputPath: out}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	_, samples, err := artifact.ReadWAV(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(samples) != 2 || samples[0] != 1 || samples[1] != 2 {
		t.Fatalf("unexpected samples %v", samples)
	}
}

func TestExecSynthRejectsTruncatedPCM(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	s, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AQAC\",\"final\":true}"'`, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	out := filepath.Join(t.TempDir(), "a.wav")
	err = s.Synthesize(context.Background(), Request{Sentence: "hi", OutputPath: out})
	if err == nil || !strings.Contains(err.Error(), "3 pcm bytes") {
		t.Fatalf("expected truncated pcm error, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("no wav should be written for truncated audio")
	}
}

func TestNewSynthesizerModes(t *testing.T) {
	cfg := config.Default().TTS
	for _, mode := range []string{"mock", "http"} {
		cfg.Mode = mode
		if _, err := NewSynthesizer(cfg); err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
	}
	cfg.Mode = "grpc"
	if _, err := NewSynthesizer(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
