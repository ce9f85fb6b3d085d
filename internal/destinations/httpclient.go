package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const httpTimeout = 20 * time.Second

// HTTPClient is the shared outbound client for push-API connectors.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: httpTimeout}}
}

// retryableStatus classifies an HTTP status: 408, 429 and 5xx are worth
// retrying; other 4xx are permanent.
func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

// PostJSON sends a JSON body and decodes a JSON response. Transport
// failures and retryable statuses return a retryable *PublishError;
// permanent statuses a non-retryable one.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, headers map[string]string, body any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &PublishError{Code: CodeTransportError, Message: err.Error(), Retryable: false}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, &PublishError{Code: CodeTransportError, Message: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &PublishError{Code: CodeTransportError, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed map[string]any
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode >= 400 {
		return parsed, &PublishError{
			Code:      CodeHTTPError,
			Message:   fmt.Sprintf("%s returned %d", url, resp.StatusCode),
			Retryable: retryableStatus(resp.StatusCode),
			Response:  withStatus(parsed, resp.StatusCode),
		}
	}
	return withStatus(parsed, resp.StatusCode), nil
}

func withStatus(body map[string]any, code int) map[string]any {
	out := map[string]any{"status_code": code}
	for k, v := range body {
		out[k] = v
	}
	return out
}
