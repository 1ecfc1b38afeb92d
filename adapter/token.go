package marketplace

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultRefreshThreshold is how long before expiry a token is considered due for refresh
	DefaultRefreshThreshold = 5 * time.Minute

	// InfiniteExpiry is the TimeToExpiry of tokens that carry no exp claim
	InfiniteExpiry = time.Duration(math.MaxInt64)
)

// Expiry classifies an access token against the clock.
type Expiry struct {
	IsValid       bool
	IsExpired     bool
	TimeToExpiry  time.Duration
	ShouldRefresh bool
	ExpiresAt     time.Time // zero when the token has no exp claim
}

var undecodable = Expiry{IsValid: false, IsExpired: true, TimeToExpiry: 0, ShouldRefresh: true}

// Signatures are never checked here: the token is opaque to the client
// except for its exp claim.
var claimsParser = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeExpiry decodes the exp claim of a three-segment token without
// verifying it. Absent or undecodable tokens need a refresh; tokens without
// exp never expire and are never proactively refreshed.
func DecodeExpiry(token string, now time.Time, threshold time.Duration) Expiry {
	if token == "" || strings.Count(token, ".") != 2 {
		return undecodable
	}

	// Only the payload segment matters; header and signature are not read.
	payload, err := claimsParser.DecodeSegment(strings.Split(token, ".")[1])
	if err != nil {
		return undecodable
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return undecodable
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return undecodable
	}
	if exp == nil {
		return Expiry{IsValid: true, IsExpired: false, TimeToExpiry: InfiniteExpiry, ShouldRefresh: false}
	}

	ttl := exp.Time.Sub(now)
	return Expiry{
		IsValid:       true,
		IsExpired:     ttl <= 0,
		TimeToExpiry:  ttl,
		ShouldRefresh: ttl > 0 && ttl <= threshold,
		ExpiresAt:     exp.Time,
	}
}
