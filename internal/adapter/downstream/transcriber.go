// Package downstream holds the HTTP clients for the two downstream
// services the workers call: the transcription service and the note agent.
// Neither client retries internally — retrying is the job layer's decision —
// and both surface status-code context in their errors so the classifier's
// pattern tables apply.
package downstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
)

// TranscriptionResult is the transcription service's response.
type TranscriptionResult struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	DurationS  float64 `json:"duration_s"`
}

// TranscriberClient calls the transcription service.
type TranscriberClient struct {
	baseURL string
	httpc   *http.Client
}

// NewTranscriber returns a client with the given per-call timeout.
func NewTranscriber(baseURL string, timeout time.Duration) *TranscriberClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TranscriberClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Transcribe posts the base64-encoded audio as a multipart payload and
// returns the transcript.
func (c *TranscriberClient) Transcribe(ctx context.Context, audioB64, filename, language string) (TranscriptionResult, error) {
	audio, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("op=downstream.Transcribe: invalid audio encoding: %w", err)
	}
	if filename == "" {
		filename = "audio.wav"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("op=downstream.Transcribe: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return TranscriptionResult{}, fmt.Errorf("op=downstream.Transcribe: %w", err)
	}
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return TranscriptionResult{}, fmt.Errorf("op=downstream.Transcribe: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcribe", &body)
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("op=downstream.Transcribe: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.httpc.Do(req)
	observability.DownstreamRequestDuration.WithLabelValues("transcription").Observe(time.Since(start).Seconds())
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("op=downstream.Transcribe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return TranscriptionResult{}, statusError("transcription", resp)
	}
	var out TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TranscriptionResult{}, fmt.Errorf("op=downstream.Transcribe: decode error: %w", err)
	}
	return out, nil
}

// Healthy probes the service's health endpoint.
func (c *TranscriberClient) Healthy(ctx context.Context) error {
	return probe(ctx, c.httpc, c.baseURL+"/healthz", "transcription")
}

// statusError carries the status code in the message so the error
// classifier's substring tables match (e.g. "status 503", "status 429").
func statusError(service string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s service returned status %d: %s", service, resp.StatusCode, bytes.TrimSpace(snippet))
}

func probe(ctx context.Context, httpc *http.Client, url, service string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("op=downstream.probe: %w", err)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("op=downstream.probe: %s: %w", service, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return statusError(service, resp)
	}
	return nil
}
