package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// JSONRefresher posts {"refresh": ...} to the token refresh endpoint and
// expects {"access": ..., "refresh"?: ...} back.
type JSONRefresher struct {
	URL    string
	Client *http.Client
}

// NewJSONRefresher creates a refresher for the given endpoint
func NewJSONRefresher(url string, client *http.Client) *JSONRefresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &JSONRefresher{URL: url, Client: client}
}

// Refresh implements Refresher
func (r *JSONRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	body, err := json.Marshal(refreshRequest{Refresh: refreshToken})
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return TokenPair{}, fmt.Errorf("%w: status %d: %s", ErrRefreshRejected, resp.StatusCode, string(data))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TokenPair{}, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(data))
	}

	var out refreshResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return TokenPair{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if out.Access == "" {
		return TokenPair{}, ErrMissingAccessToken
	}
	return TokenPair{AccessToken: out.Access, RefreshToken: out.Refresh}, nil
}

// OAuth2Refresher performs the refresh_token grant of an OAuth2 token endpoint.
type OAuth2Refresher struct {
	config *oauth2.Config
	client *http.Client
}

// NewOAuth2Refresher wraps config. client is used for the token request when non-nil.
func NewOAuth2Refresher(config *oauth2.Config, client *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{config: config, client: client}
}

// Refresh implements Refresher
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	// An empty access token is never valid, so the source always hits the endpoint.
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := r.config.TokenSource(ctx, expired).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && isRejection(retrieveErr) {
			return TokenPair{}, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		return TokenPair{}, fmt.Errorf("oauth2 refresh failed: %w", err)
	}
	if token.AccessToken == "" {
		return TokenPair{}, ErrMissingAccessToken
	}
	return TokenPair{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}, nil
}

func isRejection(err *oauth2.RetrieveError) bool {
	if err.ErrorCode == "invalid_grant" {
		return true
	}
	return err.Response != nil && err.Response.StatusCode == http.StatusUnauthorized
}

// NewRefresher picks the refresh strategy named by cfg.RefreshStrategy
func NewRefresher(cfg AuthConfig, client *http.Client) (Refresher, error) {
	switch cfg.RefreshStrategy {
	case StrategyJWT, "":
		return NewJSONRefresher(cfg.RefreshURL(), client), nil
	case StrategyOAuth2:
		config := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.TokenURL,
			},
		}
		return NewOAuth2Refresher(config, client), nil
	default:
		return nil, fmt.Errorf("%w: unknown refresh strategy %q", ErrInvalidConfig, cfg.RefreshStrategy)
	}
}
