package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPInvoker calls a stage over HTTP. The request is the JSON
// payload, the response status code and body form the stage result.
type HTTPInvoker struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPInvoker creates an invoker for the stage served at endpoint.
// The timeout bounds one invocation attempt.
func NewHTTPInvoker(endpoint string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Invoke posts the payload to the stage endpoint and returns the
// result envelope. Throttling and service-unavailable responses are
// surfaced as errors so the retry layer can classify them as
// transient; every other response becomes a Result.
func (c *HTTPInvoker) Invoke(ctx context.Context, payload any) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stage payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke stage: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read stage response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("stage throttled: %s", strings.TrimSpace(string(respBody)))
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("stage temporarily unavailable: %s", strings.TrimSpace(string(respBody)))
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       json.RawMessage(respBody),
	}, nil
}
