package marketplace

import (
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeExpiry(t *testing.T) {
	now := testEpoch

	t.Run("expiring within threshold", func(t *testing.T) {
		exp := DecodeExpiry(makeToken(t, now.Add(10*time.Second)), now, DefaultRefreshThreshold)
		assert.True(t, exp.IsValid)
		assert.False(t, exp.IsExpired)
		assert.True(t, exp.ShouldRefresh)
		assert.Equal(t, 10*time.Second, exp.TimeToExpiry)
	})

	t.Run("already expired", func(t *testing.T) {
		exp := DecodeExpiry(makeToken(t, now.Add(-time.Second)), now, DefaultRefreshThreshold)
		assert.True(t, exp.IsValid)
		assert.True(t, exp.IsExpired)
		assert.False(t, exp.ShouldRefresh)
	})

	t.Run("expiring exactly now", func(t *testing.T) {
		exp := DecodeExpiry(makeToken(t, now), now, DefaultRefreshThreshold)
		assert.True(t, exp.IsExpired)
		assert.False(t, exp.ShouldRefresh)
	})

	t.Run("comfortably valid", func(t *testing.T) {
		exp := DecodeExpiry(makeToken(t, now.Add(time.Hour)), now, DefaultRefreshThreshold)
		assert.True(t, exp.IsValid)
		assert.False(t, exp.IsExpired)
		assert.False(t, exp.ShouldRefresh)
		assert.Equal(t, time.Hour, exp.TimeToExpiry)
		assert.True(t, exp.ExpiresAt.Equal(now.Add(time.Hour)))
	})

	t.Run("at threshold boundary", func(t *testing.T) {
		exp := DecodeExpiry(makeToken(t, now.Add(DefaultRefreshThreshold)), now, DefaultRefreshThreshold)
		assert.True(t, exp.ShouldRefresh)
	})

	t.Run("no exp claim", func(t *testing.T) {
		exp := DecodeExpiry(makeToken(t, time.Time{}), now, DefaultRefreshThreshold)
		assert.True(t, exp.IsValid)
		assert.False(t, exp.IsExpired)
		assert.False(t, exp.ShouldRefresh)
		assert.Equal(t, InfiniteExpiry, exp.TimeToExpiry)
	})

	t.Run("unknown alg still decodes", func(t *testing.T) {
		enc := base64.RawURLEncoding
		token := enc.EncodeToString([]byte(`{"alg":"XYZ"}`)) + "." +
			enc.EncodeToString([]byte(`{"exp":`+strconv.FormatInt(now.Add(time.Hour).Unix(), 10)+`}`)) + ".sig"
		exp := DecodeExpiry(token, now, DefaultRefreshThreshold)
		assert.True(t, exp.IsValid)
		assert.Equal(t, time.Hour, exp.TimeToExpiry)
	})

	t.Run("header is not read", func(t *testing.T) {
		enc := base64.RawURLEncoding
		token := "not-json-header." +
			enc.EncodeToString([]byte(`{"exp":`+strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)+`}`)) + ".sig"
		exp := DecodeExpiry(token, now, DefaultRefreshThreshold)
		assert.True(t, exp.IsValid)
		assert.False(t, exp.ShouldRefresh)
		assert.Equal(t, 10*time.Minute, exp.TimeToExpiry)
	})

	enc := base64.RawURLEncoding
	undecodable := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"one segment", "opaque-token"},
		{"four segments", "a.b.c.d"},
		{"garbage", "###.$$$.%%%"},
		{"payload not json", enc.EncodeToString([]byte(`{"alg":"HS256"}`)) + "." + enc.EncodeToString([]byte("not json")) + ".sig"},
		{"exp not numeric", enc.EncodeToString([]byte(`{"alg":"HS256"}`)) + "." + enc.EncodeToString([]byte(`{"exp":"tomorrow"}`)) + ".sig"},
	}
	for _, tc := range undecodable {
		t.Run(tc.name, func(t *testing.T) {
			exp := DecodeExpiry(tc.token, now, DefaultRefreshThreshold)
			assert.Equal(t, Expiry{IsValid: false, IsExpired: true, TimeToExpiry: 0, ShouldRefresh: true}, exp)
		})
	}
}
