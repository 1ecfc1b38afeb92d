package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bjoelf/marketplace-session/adapter/clock"
	"github.com/bjoelf/marketplace-session/adapter/metrics"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

const (
	DefaultRetryDelay     = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRefreshTimeout = 15 * time.Second
)

// Option configures a SessionManager
type Option func(*SessionManager)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(m *SessionManager) { m.clock = c }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRefreshThreshold sets how long before expiry a token is refreshed
func WithRefreshThreshold(d time.Duration) Option {
	return func(m *SessionManager) { m.threshold = d }
}

// WithRetryDelay sets the fixed delay between failed refresh attempts
func WithRetryDelay(d time.Duration) Option {
	return func(m *SessionManager) { m.retryDelay = d }
}

// WithMaxRetries caps the retries after a failed refresh
func WithMaxRetries(n int) Option {
	return func(m *SessionManager) { m.maxRetries = n }
}

// WithRefreshTimeout bounds a single refresh network call
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *SessionManager) { m.refreshTimeout = d }
}

// WithLoginURL sets the endpoint used by Login
func WithLoginURL(url string) Option {
	return func(m *SessionManager) { m.loginURL = url }
}

// WithHTTPClient sets the client used by Login
func WithHTTPClient(client *http.Client) Option {
	return func(m *SessionManager) { m.httpClient = client }
}

// refreshCall is one in-flight refresh. Every caller arriving while it is
// outstanding waits on done and reads the same ok.
type refreshCall struct {
	done chan struct{}
	ok   bool
}

func (c *refreshCall) wait(ctx context.Context) bool {
	select {
	case <-c.done:
		return c.ok
	case <-ctx.Done():
		return false
	}
}

type sessionListener struct {
	id ListenerID
	fn func(SessionEnded)
}

// SessionManager owns the access/refresh token pair of one signed-in user.
// It coalesces concurrent refreshes into a single network call, retries
// failed refreshes with a fixed delay up to a cap, and keeps one proactive
// refresh scheduled ahead of expiry.
type SessionManager struct {
	store      CredentialStore
	refresher  Refresher
	clock      clock.Clock
	logger     *slog.Logger
	httpClient *http.Client
	loginURL   string

	threshold      time.Duration
	retryDelay     time.Duration
	maxRetries     int
	refreshTimeout time.Duration

	// storeMu serializes credential writes and is taken before mu. Store
	// I/O never happens while mu is held.
	storeMu sync.Mutex

	mu           sync.Mutex
	active       bool
	generation   uint64 // bumped whenever the session is replaced or destroyed
	accessToken  string
	refreshToken string
	user         *User

	inflight     *refreshCall
	retryCount   int
	retryPolicy  backoff.BackOff
	refreshTimer clock.Timer
	retryTimer   clock.Timer

	listeners      []sessionListener
	nextListenerID ListenerID
}

var _ AuthClient = (*SessionManager)(nil)

// NewSessionManager creates a session manager backed by store, refreshing through refresher
func NewSessionManager(store CredentialStore, refresher Refresher, opts ...Option) *SessionManager {
	m := &SessionManager{
		store:          store,
		refresher:      refresher,
		clock:          clock.Real(),
		logger:         slog.Default(),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		threshold:      DefaultRefreshThreshold,
		retryDelay:     DefaultRetryDelay,
		maxRetries:     DefaultMaxRetries,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retryPolicy = m.newRetryPolicy()
	return m
}

// NewSessionManagerFromConfig builds the store and refresh strategy named by cfg
func NewSessionManagerFromConfig(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*SessionManager, error) {
	store, err := NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: cfg.Auth.RefreshTimeout}
	refresher, err := NewRefresher(cfg.Auth, client)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(logger),
		WithHTTPClient(client),
		WithLoginURL(cfg.Auth.LoginURL()),
		WithRefreshThreshold(cfg.Auth.RefreshThreshold),
		WithRetryDelay(cfg.Auth.RetryDelay),
		WithMaxRetries(cfg.Auth.MaxRetries),
		WithRefreshTimeout(cfg.Auth.RefreshTimeout),
	}
	return NewSessionManager(store, refresher, append(base, opts...)...), nil
}

func (m *SessionManager) newRetryPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), uint64(max(m.maxRetries, 0)))
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

// StartSession installs a freshly issued token pair, e.g. after login or registration
func (m *SessionManager) StartSession(ctx context.Context, pair TokenPair, user *User) error {
	if pair.AccessToken == "" {
		return ErrMissingAccessToken
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	m.resetLocked()
	m.active = true
	m.accessToken = pair.AccessToken
	m.refreshToken = pair.RefreshToken
	m.user = user
	creds := m.snapshotLocked()
	exp := DecodeExpiry(m.accessToken, m.clock.Now(), m.threshold)
	m.scheduleProactiveRefreshLocked(exp)
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear previous credentials: %w", err)
	}
	if err := m.persist(ctx, creds, true); err != nil {
		return err
	}

	m.logger.Info("Session started",
		"function", "StartSession",
		"user_id", user.TenantID(),
		"expires_in", formatTTL(exp))
	return nil
}

// Login authenticates with email and password and starts a session from the response
func (m *SessionManager) Login(ctx context.Context, email, password string) (*User, error) {
	if m.loginURL == "" {
		return nil, fmt.Errorf("%w: login url not configured", ErrInvalidConfig)
	}

	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.loginURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("login failed with status %d: %s", resp.StatusCode, string(data))
	}

	var out loginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	pair := out.pair()
	if pair.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}

	// Some deployments return the user fields at the top level
	raw := out.User
	if len(raw) == 0 {
		raw = data
	}
	user, err := normalizeUser(raw)
	if err != nil {
		return nil, err
	}
	if user != nil && user.ID == "" && user.Email == "" {
		user = nil
	}

	if err := m.StartSession(ctx, pair, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Resume restores a persisted session and makes sure its access token is usable.
// It returns false when there is nothing to resume or the token cannot be refreshed.
func (m *SessionManager) Resume(ctx context.Context) bool {
	access, err := m.loadCredential(ctx, KeyAccessToken)
	if err != nil {
		m.logger.Warn("Failed to load access token", "function", "Resume", "error", err)
		return false
	}
	refresh, err := m.loadCredential(ctx, KeyRefreshToken)
	if err != nil {
		m.logger.Warn("Failed to load refresh token", "function", "Resume", "error", err)
		return false
	}
	if access == "" && refresh == "" {
		m.logger.Info("No stored session", "function", "Resume")
		return false
	}

	var user *User
	if rawUser, err := m.loadCredential(ctx, KeyUser); err == nil && rawUser != "" {
		user = &User{}
		if err := json.Unmarshal([]byte(rawUser), user); err != nil {
			m.logger.Warn("Discarding unreadable stored user", "function", "Resume", "error", err)
			user = nil
		}
	}

	m.mu.Lock()
	m.resetLocked()
	m.active = true
	m.accessToken = access
	m.refreshToken = refresh
	m.user = user
	m.mu.Unlock()

	m.logger.Info("Resumed stored session",
		"function", "Resume",
		"user_id", user.TenantID(),
		"has_refresh_token", refresh != "")

	return m.EnsureValidToken(ctx)
}

func (m *SessionManager) loadCredential(ctx context.Context, key string) (string, error) {
	v, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrCredentialNotFound) {
		return "", nil
	}
	return v, err
}

// Logout destroys the session and clears stored credentials
func (m *SessionManager) Logout(ctx context.Context) error {
	if err := m.endSession(ctx, ReasonLogout, nil); err != nil {
		return err
	}
	// Stored credentials of a session never resumed are cleared too
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// endSession clears the session and notifies listeners. Only the first call
// for a given session emits; later calls are no-ops.
func (m *SessionManager) endSession(ctx context.Context, reason SessionEndReason, cause error) error {
	m.storeMu.Lock()
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return nil
	}
	m.resetLocked()
	m.active = false
	m.accessToken = ""
	m.refreshToken = ""
	m.user = nil
	listeners := append([]sessionListener(nil), m.listeners...)
	now := m.clock.Now()
	m.mu.Unlock()

	clearErr := m.store.Clear(context.WithoutCancel(ctx))
	m.storeMu.Unlock()

	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()

	if cause != nil {
		m.logger.Warn("Session ended", "function", "endSession", "reason", reason, "error", cause)
	} else {
		m.logger.Info("Session ended", "function", "endSession", "reason", reason)
	}
	if clearErr != nil {
		m.logger.Error("Failed to clear credentials", "function", "endSession", "error", clearErr)
	}

	event := SessionEnded{Reason: reason, Err: cause, At: now}
	for _, l := range listeners {
		m.notify(l, event)
	}

	if clearErr != nil {
		return fmt.Errorf("failed to clear credentials: %w", clearErr)
	}
	return nil
}

func (m *SessionManager) notify(l sessionListener, event SessionEnded) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Session listener panicked",
				"function", "notify",
				"listener_id", l.id,
				"panic", r)
		}
	}()
	l.fn(event)
}

// resetLocked invalidates timers and pending retries of the current session.
// A refresh still in flight finishes but its result is discarded.
func (m *SessionManager) resetLocked() {
	m.generation++
	m.inflight = nil
	m.stopTimerLocked(&m.refreshTimer)
	m.stopTimerLocked(&m.retryTimer)
	m.retryCount = 0
	m.retryPolicy = m.newRetryPolicy()
}

func (m *SessionManager) stopTimerLocked(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// credentials is a copy of the session taken under mu for persisting
type credentials struct {
	accessToken  string
	refreshToken string
	user         *User
}

func (m *SessionManager) snapshotLocked() credentials {
	return credentials{accessToken: m.accessToken, refreshToken: m.refreshToken, user: m.user}
}

// persist writes creds to the store. Callers hold storeMu, not mu.
func (m *SessionManager) persist(ctx context.Context, creds credentials, withUser bool) error {
	if err := m.store.Set(ctx, KeyAccessToken, creds.accessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if creds.refreshToken != "" {
		if err := m.store.Set(ctx, KeyRefreshToken, creds.refreshToken); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}
	if withUser && creds.user != nil {
		data, err := json.Marshal(creds.user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := m.store.Set(ctx, KeyUser, string(data)); err != nil {
			return fmt.Errorf("failed to store user: %w", err)
		}
	}
	return nil
}

// persistRefreshed stores the tokens of generation gen unless the session
// was replaced or ended in the meantime.
func (m *SessionManager) persistRefreshed(ctx context.Context, gen uint64) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	current := gen == m.generation && m.active
	creds := m.snapshotLocked()
	m.mu.Unlock()

	if !current {
		return nil
	}
	return m.persist(ctx, creds, false)
}

// ============================================================================
// TOKEN VALIDITY AND REFRESH
// ============================================================================

// EnsureValidToken returns true when the access token is usable for at least
// the refresh threshold, refreshing it first if needed. Concurrent callers
// share a single refresh.
func (m *SessionManager) EnsureValidToken(ctx context.Context) bool {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		return call.wait(ctx)
	}

	exp := DecodeExpiry(m.accessToken, m.clock.Now(), m.threshold)
	if !exp.IsValid || exp.IsExpired || exp.ShouldRefresh {
		call := m.startRefreshLocked()
		m.mu.Unlock()
		m.runRefresh(ctx, call)
		return call.ok
	}

	m.scheduleProactiveRefreshLocked(exp)
	m.mu.Unlock()
	return true
}

func (m *SessionManager) startRefreshLocked() *refreshCall {
	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	return call
}

// runRefresh performs the refresh behind call and releases its waiters.
func (m *SessionManager) runRefresh(ctx context.Context, call *refreshCall) {
	ok := m.performRefresh(ctx)

	m.mu.Lock()
	if m.inflight == call {
		m.inflight = nil
	}
	call.ok = ok
	m.mu.Unlock()
	close(call.done)
}

// performRefresh exchanges the refresh token once. On failure it either
// schedules a retry or, with retries exhausted, ends the session.
func (m *SessionManager) performRefresh(ctx context.Context) bool {
	m.mu.Lock()
	gen := m.generation
	refreshToken := m.refreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		m.logger.Debug("No refresh token available", "function", "performRefresh")
		return false
	}

	if exp := DecodeExpiry(refreshToken, m.clock.Now(), 0); exp.IsValid && exp.IsExpired {
		_ = m.endSession(ctx, ReasonRefreshTokenExpired, nil)
		return false
	}

	// The refresh is shared, so it must outlive the caller that started it
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
	pair, err := m.refresher.Refresh(callCtx, refreshToken)
	cancel()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("Discarding refresh result of a replaced session", "function", "performRefresh")
		return false
	}

	if err == nil && pair.AccessToken == "" {
		err = ErrMissingAccessToken
	}

	if err == nil {
		m.retryCount = 0
		m.retryPolicy.Reset()
		m.stopTimerLocked(&m.retryTimer)
		m.accessToken = pair.AccessToken
		if pair.RefreshToken != "" {
			m.refreshToken = pair.RefreshToken
		}
		exp := DecodeExpiry(m.accessToken, m.clock.Now(), m.threshold)
		m.scheduleProactiveRefreshLocked(exp)
		m.mu.Unlock()

		persistErr := m.persistRefreshed(context.WithoutCancel(ctx), gen)
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		if persistErr != nil {
			m.logger.Error("Refreshed token not persisted", "function", "performRefresh", "error", persistErr)
		}
		m.logger.Info("Token refreshed",
			"function", "performRefresh",
			"expires_in", formatTTL(exp),
			"rotated", pair.RefreshToken != "")
		return true
	}

	if errors.Is(err, ErrRefreshRejected) {
		m.mu.Unlock()
		metrics.TokenRefreshes.WithLabelValues("rejected").Inc()
		_ = m.endSession(ctx, ReasonRefreshRejected, err)
		return false
	}

	metrics.TokenRefreshes.WithLabelValues("failure").Inc()

	delay := m.retryPolicy.NextBackOff()
	if delay == backoff.Stop {
		attempts := m.retryCount
		m.mu.Unlock()
		m.logger.Error("Token refresh retries exhausted",
			"function", "performRefresh",
			"retries", attempts,
			"error", err)
		_ = m.endSession(ctx, ReasonRefreshExhausted, err)
		return false
	}

	m.retryCount++
	attempt := m.retryCount
	m.stopTimerLocked(&m.retryTimer)
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.onRetryTimer(gen) })
	m.mu.Unlock()

	m.logger.Warn("Token refresh failed, retry scheduled",
		"function", "performRefresh",
		"attempt", attempt,
		"max_retries", m.maxRetries,
		"delay", delay,
		"error", err)
	return false
}

func (m *SessionManager) onRetryTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	if m.inflight != nil {
		m.mu.Unlock()
		return
	}
	call := m.startRefreshLocked()
	m.mu.Unlock()

	m.logger.Debug("Retrying token refresh", "function", "onRetryTimer")
	m.runRefresh(context.Background(), call)
}

func (m *SessionManager) onRefreshTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.refreshTimer = nil
	if m.inflight != nil {
		m.mu.Unlock()
		return
	}
	call := m.startRefreshLocked()
	m.mu.Unlock()

	m.logger.Debug("Proactive token refresh", "function", "onRefreshTimer")
	m.runRefresh(context.Background(), call)
}

// scheduleProactiveRefresh replaces any pending proactive refresh with one
// timed from the current access token.
func (m *SessionManager) scheduleProactiveRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleProactiveRefreshLocked(DecodeExpiry(m.accessToken, m.clock.Now(), m.threshold))
}

// scheduleProactiveRefreshLocked fires threshold before expiry, or halfway
// to expiry when the token lives shorter than the threshold. Tokens without
// exp are never scheduled.
func (m *SessionManager) scheduleProactiveRefreshLocked(exp Expiry) {
	m.stopTimerLocked(&m.refreshTimer)
	if !exp.IsValid || exp.IsExpired || exp.TimeToExpiry == InfiniteExpiry {
		return
	}

	delay := exp.TimeToExpiry - m.threshold
	if delay <= 0 {
		delay = exp.TimeToExpiry / 2
	}

	gen := m.generation
	m.refreshTimer = m.clock.AfterFunc(delay, func() { m.onRefreshTimer(gen) })
	m.logger.Debug("Proactive refresh scheduled", "function", "scheduleProactiveRefresh", "delay", delay)
}

func formatTTL(exp Expiry) string {
	switch {
	case !exp.IsValid:
		return "unknown"
	case exp.TimeToExpiry == InfiniteExpiry:
		return "never"
	default:
		return exp.TimeToExpiry.Round(time.Second).String()
	}
}

// ============================================================================
// ACCESSORS AND HOST INTEGRATION
// ============================================================================

// Token implements oauth2.TokenSource on top of EnsureValidToken
func (m *SessionManager) Token() (*oauth2.Token, error) {
	if !m.EnsureValidToken(context.Background()) {
		return nil, ErrNoValidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken == "" {
		return nil, ErrNoValidSession
	}
	token := &oauth2.Token{AccessToken: m.accessToken, TokenType: "Bearer"}
	if exp := DecodeExpiry(m.accessToken, m.clock.Now(), 0); exp.IsValid {
		token.Expiry = exp.ExpiresAt
	}
	return token, nil
}

// HTTPClient returns a client that ensures a valid token before every request
// and sends it as a bearer credential. A nil base uses http.DefaultTransport.
func (m *SessionManager) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{Source: m, Base: base},
		Timeout:   30 * time.Second,
	}
}

// IsAuthenticated reports whether a session is active
func (m *SessionManager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && (m.accessToken != "" || m.refreshToken != "")
}

// AccessToken returns the current access token without validating it
func (m *SessionManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken
}

// User returns the signed-in user, or nil
func (m *SessionManager) User() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// RetryCount reports consecutive failed refreshes of the current session
func (m *SessionManager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// OnSessionEnded registers fn to run whenever the session is destroyed
func (m *SessionManager) OnSessionEnded(fn func(SessionEnded)) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListenerID++
	m.listeners = append(m.listeners, sessionListener{id: m.nextListenerID, fn: fn})
	return m.nextListenerID
}

// OffSessionEnded removes the listener registered under id
func (m *SessionManager) OffSessionEnded(id ListenerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}
