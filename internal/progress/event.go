// Package progress defines the server-push events a chat request streams
// back to its client.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Step names the pipeline milestone an event reports.
type Step string

const (
	StepLLM          Step = "llm"
	StepSpeech       Step = "tts"
	StepDigitalHuman Step = "dg"
	StepAll          Step = "all"
	StepError        Step = "error"
)

const (
	eventName = "message"
	// RetryMS is the reconnect hint sent with every event.
	RetryMS = 100
)

// Event is one unit of the progress stream. Data always carries the full
// text generated so far.
type Event struct {
	Event   string `json:"event"`
	Retry   int    `json:"retry"`
	ID      int    `json:"id"`
	Data    string `json:"data"`
	Step    Step   `json:"step"`
	EndFlag bool   `json:"end_flag"`
	Error   string `json:"error,omitempty"`
}

func New(step Step, id int, text string, final bool) Event {
	return Event{Event: eventName, Retry: RetryMS, ID: id, Data: text, Step: step, EndFlag: final}
}

// Failed builds the terminal error event.
func Failed(id int, text string, err error) Event {
	evt := New(StepError, id, text, true)
	if err != nil {
		evt.Error = err.Error()
	}
	return evt
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode progress event: %w", err)
	}
	return data, nil
}

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("progress: response writer does not support flushing")

// SSEWriter frames events onto an HTTP response as server-sent events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Write sends exactly one frame and flushes it to the client.
func (s *SSEWriter) Write(evt Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
