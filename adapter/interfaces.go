package marketplace

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// ============================================================================
// INTERFACES - contracts between the host application and the session core
// ============================================================================

// AuthClient is what host code depends on for authentication. The
// SessionManager is the only implementation; hosts and tests may substitute
// their own.
type AuthClient interface {
	oauth2.TokenSource

	Login(ctx context.Context, email, password string) (*User, error)
	StartSession(ctx context.Context, pair TokenPair, user *User) error
	Resume(ctx context.Context) bool
	EnsureValidToken(ctx context.Context) bool
	Logout(ctx context.Context) error

	IsAuthenticated() bool
	AccessToken() string
	User() *User
	HTTPClient(base http.RoundTripper) *http.Client

	OnSessionEnded(fn func(SessionEnded)) ListenerID
	OffSessionEnded(id ListenerID) bool
}

// CredentialStore persists the session across process restarts. Get returns
// ErrCredentialNotFound for a missing key. Clear removes every key the store
// holds for this session.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context) error
}

// Refresher exchanges a refresh token for a new token pair. A returned pair
// may omit RefreshToken when the server did not rotate it. Errors wrapping
// ErrRefreshRejected mean the refresh token itself is no longer accepted.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Credential store keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
)
