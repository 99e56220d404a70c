package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Pipeline.QueueCapacity != 100 {
		t.Fatalf("expected queue capacity 100, got %d", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Pipeline.FlushTail {
		t.Fatal("expected tail flushing disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STREAMCAST_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("STREAMCAST_BUS_USERNAME", "alice")
	t.Setenv("STREAMCAST_BUS_PASSWORD", "secret")
	t.Setenv("STREAMCAST_BUS_TLS_INSECURE", "true")
	t.Setenv("STREAMCAST_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("STREAMCAST_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("STREAMCAST_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("STREAMCAST_EVENT_STORE_MAX_REQUESTS", "123")
	t.Setenv("STREAMCAST_PIPELINE_QUEUE_CAPACITY", "7")
	t.Setenv("STREAMCAST_PIPELINE_BOUNDARY_SYMBOLS", "。, ！")
	t.Setenv("STREAMCAST_PIPELINE_FLUSH_TAIL", "true")
	t.Setenv("STREAMCAST_TTS_WORKERS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.MaxRequests != 123 {
		t.Fatalf("expected event store max requests override")
	}
	if cfg.Pipeline.QueueCapacity != 7 {
		t.Fatalf("expected queue capacity override, got %d", cfg.Pipeline.QueueCapacity)
	}
	if len(cfg.Pipeline.BoundarySymbols) != 2 || cfg.Pipeline.BoundarySymbols[1] != "！" {
		t.Fatalf("unexpected boundary symbols %v", cfg.Pipeline.BoundarySymbols)
	}
	if !cfg.Pipeline.FlushTail {
		t.Fatal("expected flush tail override")
	}
	if cfg.TTS.Workers != 3 {
		t.Fatalf("expected tts workers override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamcast.yaml")
	doc := `
runtime_name: live-room-1
llm:
  mode: openai
  endpoint: http://llm:23333/v1
  model: internlm2
tts:
  mode: http
  endpoint: http://tts:8001/tts
pipeline:
  speech_dir: /srv/tts
  video_dir: /srv/dh
  replacements:
    - ["~", "!"]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "live-room-1" || cfg.LLM.Model != "internlm2" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Pipeline.SpeechDir != "/srv/tts" {
		t.Fatalf("expected speech dir from file, got %q", cfg.Pipeline.SpeechDir)
	}
	if len(cfg.Pipeline.Replacements) != 1 || cfg.Pipeline.Replacements[0][1] != "!" {
		t.Fatalf("unexpected replacements %v", cfg.Pipeline.Replacements)
	}
	// untouched sections keep defaults
	if cfg.Pipeline.QueueCapacity != 100 {
		t.Fatalf("expected default capacity, got %d", cfg.Pipeline.QueueCapacity)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad llm mode":        func(c *Config) { c.LLM.Mode = "gpt" },
		"exec without cmd":    func(c *Config) { c.TTS.Mode = "exec" },
		"zero capacity":       func(c *Config) { c.Pipeline.QueueCapacity = 0 },
		"no boundaries":       func(c *Config) { c.Pipeline.BoundarySymbols = nil },
		"bad replacement":     func(c *Config) { c.Pipeline.Replacements = [][]string{{"~"}} },
		"agent template":      func(c *Config) { c.Agent.Enabled = true; c.Agent.Template = "%s" },
		"rag without address": func(c *Config) { c.RAG.Enabled = true; c.RAG.Endpoint = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
