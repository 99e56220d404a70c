// Package augment rewrites the last prompt fragment with external knowledge,
// either from a web-lookup agent or from a retrieval index over the product
// catalog.
package augment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/streamcast/internal/config"
)

// AgentQuery carries the question plus the shipping context the agent's
// tools need.
type AgentQuery struct {
	Prompt          string `json:"prompt"`
	DeparturePlace  string `json:"departure_place"`
	DeliveryCompany string `json:"delivery_company_name"`
}

// Agent answers a question or returns "" when it has nothing to add.
type Agent interface {
	Answer(ctx context.Context, q AgentQuery) (string, error)
}

// Retriever returns an augmented prompt for a product question, or "".
type Retriever interface {
	Augment(ctx context.Context, productName, prompt string) (string, error)
	// Rebuild reindexes the catalog after it changed.
	Rebuild(ctx context.Context) error
}

// Wrap folds an agent answer and the original question into template, which
// holds two %s verbs in that order.
func Wrap(template, answer, question string) string {
	return fmt.Sprintf(template, answer, question)
}

type noopAgent struct{}

func (noopAgent) Answer(context.Context, AgentQuery) (string, error) { return "", nil }

type noopRetriever struct{}

func (noopRetriever) Augment(context.Context, string, string) (string, error) { return "", nil }
func (noopRetriever) Rebuild(context.Context) error                             { return nil }

func NewAgent(cfg config.AgentConfig) Agent {
	if !cfg.Enabled {
		return noopAgent{}
	}
	return &httpAgent{endpoint: cfg.Endpoint, client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}}
}

func NewRetriever(cfg config.RAGConfig) Retriever {
	if !cfg.Enabled {
		return noopRetriever{}
	}
	return &httpRetriever{
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

type httpAgent struct {
	endpoint string
	client   *http.Client
}

func (a *httpAgent) Answer(ctx context.Context, q AgentQuery) (string, error) {
	var resp struct {
		Answer string `json:"answer"`
	}
	if err := postJSON(ctx, a.client, a.endpoint, q, &resp); err != nil {
		return "", fmt.Errorf("agent: %w", err)
	}
	return strings.TrimSpace(resp.Answer), nil
}

type httpRetriever struct {
	base   string
	client *http.Client
}

func (r *httpRetriever) Augment(ctx context.Context, productName, prompt string) (string, error) {
	req := struct {
		ProductName string `json:"product_name"`
		Prompt      string `json:"prompt"`
	}{productName, prompt}
	var resp struct {
		Prompt string `json:"prompt"`
	}
	if err := postJSON(ctx, r.client, r.base+"/retrieve", req, &resp); err != nil {
		return "", fmt.Errorf("retrieve: %w", err)
	}
	return resp.Prompt, nil
}

func (r *httpRetriever) Rebuild(ctx context.Context) error {
	if err := postJSON(ctx, r.client, r.base+"/rebuild", struct{}{}, nil); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
