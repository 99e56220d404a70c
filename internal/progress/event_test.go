package progress

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEncodeWireFormat(t *testing.T) {
	data, err := New(StepLLM, 3, "你好。", false).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["event"] != "message" || got["retry"] != float64(100) || got["id"] != float64(3) {
		t.Fatalf("unexpected envelope %v", got)
	}
	if got["data"] != "你好。" || got["step"] != "llm" || got["end_flag"] != false {
		t.Fatalf("unexpected payload %v", got)
	}
	if _, ok := got["error"]; ok {
		t.Fatal("error field should be omitted on success")
	}
	if !strings.Contains(string(data), "你好") {
		t.Fatal("expected non-ASCII text to stay unescaped")
	}
}

func TestFailedEvent(t *testing.T) {
	evt := Failed(9, "partial", errors.New("tts timed out"))
	if evt.Step != StepError || !evt.EndFlag || evt.Error != "tts timed out" || evt.Data != "partial" {
		t.Fatalf("unexpected error event %+v", evt)
	}
}

func TestSSEWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write(New(StepLLM, 1, "a", false)); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(New(StepAll, 2, "ab", true)); err != nil {
		t.Fatal(err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("unexpected cache control %q", cc)
	}
	if !rec.Flushed {
		t.Fatal("expected frames to be flushed")
	}
	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %q", len(frames), rec.Body.String())
	}
	for _, f := range frames {
		if !strings.HasPrefix(f, "data: {") {
			t.Fatalf("malformed frame %q", f)
		}
	}
}
