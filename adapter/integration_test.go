package marketplace

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Runs against a live Redis when MARKETPLACE_TEST_REDIS_URL is set,
// e.g. redis://localhost:6379/15
func TestRedisStoreIntegration(t *testing.T) {
	redisURL := os.Getenv("MARKETPLACE_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("Integration tests disabled - set MARKETPLACE_TEST_REDIS_URL to run against Redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, redisURL, "integration-"+time.Now().Format("150405.000"))
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestSessionManagerIntegration(t *testing.T) {
	baseURL := os.Getenv("MARKETPLACE_TEST_BASE_URL")
	email := os.Getenv("MARKETPLACE_TEST_EMAIL")
	password := os.Getenv("MARKETPLACE_TEST_PASSWORD")
	if baseURL == "" || email == "" || password == "" {
		t.Skip("Integration tests disabled - set MARKETPLACE_TEST_BASE_URL, MARKETPLACE_TEST_EMAIL and MARKETPLACE_TEST_PASSWORD")
	}

	cfg := DefaultConfig()
	cfg.Auth.BaseURL = baseURL
	cfg.Store.Driver = DriverMemory

	ctx := context.Background()
	manager, err := NewSessionManagerFromConfig(ctx, cfg, testLogger())
	require.NoError(t, err)

	_, err = manager.Login(ctx, email, password)
	require.NoError(t, err)
	require.True(t, manager.EnsureValidToken(ctx))
	require.NoError(t, manager.Logout(ctx))
}
