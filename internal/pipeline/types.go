package pipeline

import (
	"encoding/json"
	"errors"
	"regexp"

	"github.com/google/uuid"

	"github.com/loqalabs/streamcast/internal/llm"
	"github.com/loqalabs/streamcast/internal/protocol"
	"github.com/loqalabs/streamcast/internal/worker"
)

// ProductInfo describes the product the streamer is selling.
type ProductInfo struct {
	Name                string `json:"name"`
	Highlights          string `json:"heighlights"`
	Introduce           string `json:"introduce"`
	ImagePath           string `json:"image_path"`
	DeparturePlace      string `json:"departure_place"`
	DeliveryCompanyName string `json:"delivery_company_name"`
}

// Plugins toggles the optional stages of a request. All default to true.
type Plugins struct {
	RAG          bool `json:"rag"`
	Agent        bool `json:"agent"`
	TTS          bool `json:"tts"`
	DigitalHuman bool `json:"digital_human"`
}

// ChatConfig carries sampling parameters for the LLM.
type ChatConfig struct {
	TopP              float64 `json:"top_p"`
	Temperature       float64 `json:"temperature"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// ChatRequest is the body of a chat call. It lives only for the duration
// of that call.
type ChatRequest struct {
	UserID      string        `json:"user_id"`
	RequestID   string        `json:"request_id"`
	Prompt      []llm.Message `json:"prompt"`
	ProductInfo ProductInfo   `json:"product_info"`
	Plugins     Plugins       `json:"plugins"`
	ChatConfig  ChatConfig    `json:"chat_config"`
}

func DefaultPlugins() Plugins {
	return Plugins{RAG: true, Agent: true, TTS: true, DigitalHuman: true}
}

func DefaultChatConfig() ChatConfig {
	return ChatConfig{TopP: 0.8, Temperature: 0.7, RepetitionPenalty: 1.005}
}

// UnmarshalJSON fills omitted plugin flags and sampling parameters with
// their defaults.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest
	p := plain{Plugins: DefaultPlugins(), ChatConfig: DefaultChatConfig()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ChatRequest(p)
	return nil
}

var (
	ErrEmptyPrompt      = errors.New("pipeline: prompt must contain at least one message")
	ErrInvalidRequestID = errors.New("pipeline: request_id may only contain letters, digits, '-' and '_'")
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Normalize assigns a request id when absent and rejects requests that
// cannot be processed. Request ids end up in file names and bus subjects.
func (r *ChatRequest) Normalize() error {
	if len(r.Prompt) == 0 {
		return ErrEmptyPrompt
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if !requestIDPattern.MatchString(r.RequestID) {
		return ErrInvalidRequestID
	}
	return nil
}

// SpeechJob asks the TTS collaborator for one sentence.
type SpeechJob struct {
	UserID    string
	RequestID string
	Sequence  int
	Text      string
	Output    string
}

func (j SpeechJob) JobMeta() worker.Meta {
	return worker.Meta{
		Kind:         protocol.JobKindSpeech,
		UserID:       j.UserID,
		RequestID:    j.RequestID,
		Sequence:     j.Sequence,
		ArtifactPath: j.Output,
	}
}

// VideoJob asks the digital-human collaborator to render the merged speech
// track of a request. Sequence is always 0.
type VideoJob struct {
	UserID     string
	RequestID  string
	Sequence   int
	SourcePath string
	VideoPath  string
	Sentinel   string
}

func (j VideoJob) JobMeta() worker.Meta {
	return worker.Meta{
		Kind:         protocol.JobKindVideo,
		UserID:       j.UserID,
		RequestID:    j.RequestID,
		Sequence:     j.Sequence,
		ArtifactPath: j.Sentinel,
	}
}
