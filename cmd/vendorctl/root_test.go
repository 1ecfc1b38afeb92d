package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(marketplace.LogConfig{Level: "WARN", Format: "json"}, &buf)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "function", "TestNewLogger")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.True(t, l.Enabled(context.Background(), slog.LevelError))

	_, err = newLogger(marketplace.LogConfig{Level: "LOUD"}, &buf)
	assert.Error(t, err)
}

func TestEventsClientConfig(t *testing.T) {
	cfg := marketplace.DefaultConfig()
	cfg.Events.URL = "https://api.example.com"
	cfg.Events.MaxReconnectAttempts = 7

	got := eventsClientConfig(cfg.Events)
	assert.Equal(t, "https://api.example.com", got.URL)
	assert.Equal(t, "/ws/vendor/{tenant}/", got.PathTemplate)
	assert.True(t, got.BearerAuth)
	assert.Equal(t, 30*time.Second, got.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, got.HeartbeatTimeout)
	assert.Equal(t, time.Second, got.ReconnectBaseDelay)
	assert.Equal(t, 7, got.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Minute, got.ReconnectMaxDelay)
}

func TestNewBridgePublisher_Disabled(t *testing.T) {
	publisher, closeFn, err := newBridgePublisher(context.Background(), marketplace.BridgeConfig{Driver: marketplace.BridgeNone})
	require.NoError(t, err)
	assert.Nil(t, publisher)
	assert.NoError(t, closeFn())
}
