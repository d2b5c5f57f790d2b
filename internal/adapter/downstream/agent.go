package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
)

// NoteRequest is the agent service's input: a transcript to structure into
// a clinical note.
type NoteRequest struct {
	Transcript string `json:"transcript"`
	Template   string `json:"template,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// NoteResult is the agent service's response.
type NoteResult struct {
	Note     string            `json:"note"`
	Sections map[string]string `json:"sections,omitempty"`
	Model    string            `json:"model,omitempty"`
}

// AgentClient calls the note-generation agent service.
type AgentClient struct {
	baseURL string
	httpc   *http.Client

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewAgent returns a client with the given per-call timeout.
func NewAgent(baseURL string, timeout time.Duration) *AgentClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AgentClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// GenerateNote posts the transcript and returns the structured note.
func (c *AgentClient) GenerateNote(ctx context.Context, req NoteRequest) (NoteResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return NoteResult{}, fmt.Errorf("op=downstream.GenerateNote: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/notes", bytes.NewReader(raw))
	if err != nil {
		return NoteResult{}, fmt.Errorf("op=downstream.GenerateNote: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	observability.DownstreamRequestDuration.WithLabelValues("agent").Observe(time.Since(start).Seconds())
	if err != nil {
		return NoteResult{}, fmt.Errorf("op=downstream.GenerateNote: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return NoteResult{}, statusError("agent", resp)
	}
	var out NoteResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return NoteResult{}, fmt.Errorf("op=downstream.GenerateNote: decode error: %w", err)
	}
	c.accountTokens(req.Transcript, out.Note)
	return out, nil
}

// Healthy probes the service's health endpoint.
func (c *AgentClient) Healthy(ctx context.Context) error {
	return probe(ctx, c.httpc, c.baseURL+"/healthz", "agent")
}

// accountTokens feeds the usage counters. Token counting is best effort;
// a missing encoding just skips the accounting.
func (c *AgentClient) accountTokens(prompt, completion string) {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return
	}
	in := len(c.enc.Encode(prompt, nil, nil))
	out := len(c.enc.Encode(completion, nil, nil))
	observability.DownstreamTokensTotal.WithLabelValues("agent", "prompt").Add(float64(in))
	observability.DownstreamTokensTotal.WithLabelValues("agent", "completion").Add(float64(out))
}

// TokenCount exposes the encoder for request-size checks.
func (c *AgentClient) TokenCount(text string) int {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}
