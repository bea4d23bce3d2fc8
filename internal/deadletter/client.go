package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RetryRequest is the body of POST /retry-webhook/{id}.
type RetryRequest struct {
	WebhookID string            `json:"webhookId"`
	Reason    string            `json:"reason"` // manual, system, admin
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

type RetryResponse struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	RetryID     string     `json:"retryId,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// RetryClient triggers an out-of-band retry for a webhook.
type RetryClient interface {
	RequestRetry(ctx context.Context, req RetryRequest) (*RetryResponse, error)
}

// RetryFunc adapts an in-process function to RetryClient.
type RetryFunc func(ctx context.Context, req RetryRequest) (*RetryResponse, error)

func (f RetryFunc) RequestRetry(ctx context.Context, req RetryRequest) (*RetryResponse, error) {
	return f(ctx, req)
}

// HTTPRetryClient calls a remote retry endpoint.
type HTTPRetryClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPRetryClient(baseURL, token string, timeout time.Duration) *HTTPRetryClient {
	return &HTTPRetryClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPRetryClient) RequestRetry(ctx context.Context, r RetryRequest) (*RetryResponse, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	endpoint := c.BaseURL + "/retry-webhook/" + url.PathEscape(r.WebhookID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retry request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out RetryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("retry endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 300 && out.Message == "" {
		out.Message = resp.Status
	}
	if resp.StatusCode >= 300 {
		out.Success = false
	}
	return &out, nil
}
