package marketplace

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestJSONRefresher(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       interface{}
		wantPair   TokenPair
		wantErr    error
		wantAnyErr bool
	}{
		{
			name:     "rotated pair",
			status:   http.StatusOK,
			body:     map[string]string{"access": "new-access", "refresh": "new-refresh"},
			wantPair: TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"},
		},
		{
			name:     "access only",
			status:   http.StatusOK,
			body:     map[string]string{"access": "new-access"},
			wantPair: TokenPair{AccessToken: "new-access"},
		},
		{
			name:    "missing access",
			status:  http.StatusOK,
			body:    map[string]string{"refresh": "new-refresh"},
			wantErr: ErrMissingAccessToken,
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"},
			wantErr: ErrRefreshRejected,
		},
		{
			name:       "server error",
			status:     http.StatusBadGateway,
			body:       "upstream unavailable",
			wantAnyErr: true,
		},
		{
			name:       "not json",
			status:     http.StatusOK,
			body:       "<html>",
			wantAnyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewMockAuthServer()
			defer server.Close()
			server.SetRefreshResponse(tt.status, tt.body)

			refresher := NewJSONRefresher(server.URL()+MockRefreshPath, server.Client())
			pair, err := refresher.Refresh(context.Background(), "old-refresh")

			requests := server.GetRequests()
			require.Len(t, requests, 1)
			assert.JSONEq(t, `{"refresh":"old-refresh"}`, requests[0].Body)

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantAnyErr:
				assert.Error(t, err)
				assert.NotErrorIs(t, err, ErrRefreshRejected)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantPair, pair)
			}
		})
	}
}

func TestJSONRefresher_Unreachable(t *testing.T) {
	server := NewMockAuthServer()
	url := server.URL() + MockRefreshPath
	server.Close()

	_, err := NewJSONRefresher(url, nil).Refresh(context.Background(), "old-refresh")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRefreshRejected)
}

func newOAuth2TestRefresher(server *MockAuthServer) *OAuth2Refresher {
	return NewOAuth2Refresher(&oauth2.Config{
		ClientID:     "vendor-app",
		ClientSecret: "s3cret",
		Endpoint: oauth2.Endpoint{
			TokenURL:  server.URL() + MockTokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, server.Client())
}

func TestOAuth2Refresher(t *testing.T) {
	server := NewMockAuthServer()
	defer server.Close()
	server.SetOAuth2TokenResponse(http.StatusOK, map[string]interface{}{
		"access_token": "oauth-access",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	pair, err := newOAuth2TestRefresher(server).Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "oauth-access", pair.AccessToken)
	// Servers that do not rotate leave the old refresh token in place
	assert.Equal(t, "old-refresh", pair.RefreshToken)

	requests := server.GetRequests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Body, "grant_type=refresh_token")
	assert.Contains(t, requests[0].Body, "refresh_token=old-refresh")
}

func TestOAuth2Refresher_InvalidGrant(t *testing.T) {
	server := NewMockAuthServer()
	defer server.Close()
	server.SetOAuth2TokenResponse(http.StatusBadRequest, map[string]string{
		"error":             "invalid_grant",
		"error_description": "refresh token revoked",
	})

	_, err := newOAuth2TestRefresher(server).Refresh(context.Background(), "old-refresh")
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestOAuth2Refresher_ServerError(t *testing.T) {
	server := NewMockAuthServer()
	defer server.Close()
	server.SetOAuth2TokenResponse(http.StatusServiceUnavailable, map[string]string{"error": "temporarily_unavailable"})

	_, err := newOAuth2TestRefresher(server).Refresh(context.Background(), "old-refresh")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRefreshRejected)
}

func TestNewRefresher(t *testing.T) {
	cfg := DefaultConfig().Auth

	r, err := NewRefresher(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &JSONRefresher{}, r)
	assert.Equal(t, "http://localhost:8000/api/auth/token/refresh/", r.(*JSONRefresher).URL)

	cfg.RefreshStrategy = StrategyOAuth2
	cfg.TokenURL = "https://auth.example.com/token"
	r, err = NewRefresher(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &OAuth2Refresher{}, r)

	cfg.RefreshStrategy = "saml"
	_, err = NewRefresher(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
