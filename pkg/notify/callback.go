package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/trace"
)

// callbackPayload is the body posted to the callback URL.
type callbackPayload struct {
	Diagnosis string `json:"diagnosis"`
	RunID     string `json:"runId"`
	RunURL    string `json:"runUrl"`
	Status    string `json:"status"`
	Model     string `json:"model"`
}

// CallbackSink posts the diagnosis as JSON to a URL.
type CallbackSink struct {
	url        string
	httpClient *http.Client
}

// NewCallbackSink creates a sink for url. A nil httpClient uses a traced
// client with timeout.
func NewCallbackSink(url string, httpClient *http.Client, timeout time.Duration) *CallbackSink {
	if httpClient == nil {
		httpClient = trace.NewHTTPClient(timeout)
	}
	return &CallbackSink{url: url, httpClient: httpClient}
}

func (s *CallbackSink) Name() string { return "callback" }

// Send issues exactly one POST. Any non-2xx status is an error.
func (s *CallbackSink) Send(ctx context.Context, result Result) error {
	body, err := json.Marshal(callbackPayload{
		Diagnosis: result.Diagnosis,
		RunID:     result.RunID,
		RunURL:    result.RunURL,
		Status:    result.Status,
		Model:     result.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}
