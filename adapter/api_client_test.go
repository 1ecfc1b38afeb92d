package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClient(t *testing.T) {
	var f *sessionFixture
	f = newSessionFixture(t, func(int, string) (TokenPair, error) {
		return TokenPair{AccessToken: makeToken(t, f.clock.Now().Add(time.Hour))}, nil
	})
	f.start(t, makeToken(t, testEpoch.Add(-time.Minute)), "refresh-1")

	var gotAuth []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/vendor/orders/":
			json.NewEncoder(w).Encode([]map[string]interface{}{{"id": 1, "status": "pending"}})
		case "/api/vendor/orders/1/":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"id": "1", "status": body["status"]})
		default:
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"detail":"forbidden"}`))
		}
	}))
	defer server.Close()

	client := NewAPIClient(f.manager, server.URL, testLogger())
	ctx := context.Background()

	var orders []struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, client.Get(ctx, "/api/vendor/orders/", &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "pending", orders[0].Status)

	// The expired token was refreshed once before the first request
	assert.Equal(t, 1, f.refresher.Calls())
	assert.Equal(t, "Bearer "+f.manager.AccessToken(), gotAuth[0])

	var updated map[string]string
	require.NoError(t, client.Patch(ctx, "/api/vendor/orders/1/", map[string]string{"status": "shipped"}, &updated))
	assert.Equal(t, "shipped", updated["status"])
	assert.Equal(t, 1, f.refresher.Calls())

	err := client.Get(ctx, "/api/admin/", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestAPIClient_NoSession(t *testing.T) {
	f := newSessionFixture(t, failingRefresh)
	client := NewAPIClient(f.manager, "http://127.0.0.1:1", testLogger())

	err := client.Get(context.Background(), "/api/vendor/orders/", nil)
	assert.ErrorIs(t, err, ErrNoValidSession)
}
