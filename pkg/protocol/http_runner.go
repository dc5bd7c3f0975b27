package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPRunner forwards job executions to an external worker service. The
// request carries the worker identity and payload; the JSON response body is
// the job result. Non-2xx responses fail the job.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

type runRequest struct {
	WorkerKey string         `json:"worker_key"`
	Version   string         `json:"version"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func NewHTTPRunner(endpoint string) *HTTPRunner {
	return &HTTPRunner{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

func (r *HTTPRunner) Run(ctx context.Context, workerKey, version string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(runRequest{
		WorkerKey: workerKey,
		Version:   version,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build run request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")

	response, err := r.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("worker request failed: %w", err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		message, _ := io.ReadAll(io.LimitReader(response.Body, 4096))

		return nil, fmt.Errorf("worker returned status %d: %s", response.StatusCode, string(message))
	}

	result := make(map[string]any)
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}

	return result, nil
}
