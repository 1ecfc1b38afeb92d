package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the marketplace API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// APIClient issues authenticated JSON requests against the marketplace API.
// Every request goes through the session's HTTP client, so the access token
// is validated (and refreshed if needed) before it is sent.
type APIClient struct {
	authClient AuthClient
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAPIClient creates a client for baseURL authenticated by authClient
func NewAPIClient(authClient AuthClient, baseURL string, logger *slog.Logger) *APIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIClient{
		authClient: authClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: authClient.HTTPClient(nil),
		logger:     logger,
	}
}

// Get decodes the JSON response of GET path into out
func (c *APIClient) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the response into out
func (c *APIClient) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

// Patch sends in as JSON and decodes the response into out
func (c *APIClient) Patch(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPatch, path, in, out)
}

// Do executes an authenticated request. in and out may be nil.
func (c *APIClient) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.doRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest fails fast without a session instead of sending an unauthenticated request
func (c *APIClient) doRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !c.authClient.IsAuthenticated() {
		return nil, ErrNoValidSession
	}
	c.logger.Debug("API request", "function", "doRequest", "method", req.Method, "path", req.URL.Path)
	return c.httpClient.Do(req)
}

func (c *APIClient) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}
