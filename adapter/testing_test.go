package marketplace

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeToken signs a token expiring at exp. A zero exp omits the claim.
func makeToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "42", "user_type": "vendor"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// fakeRefresher records calls and answers through fn. When gate is set,
// every call blocks until gate is closed.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	fn      func(call int, refreshToken string) (TokenPair, error)
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.tokens = append(f.tokens, refreshToken)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.fn(n, refreshToken)
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// endedRecorder collects SessionEnded notifications
type endedRecorder struct {
	mu     sync.Mutex
	events []SessionEnded
}

func (r *endedRecorder) record(e SessionEnded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *endedRecorder) Events() []SessionEnded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionEnded(nil), r.events...)
}

// gatedStore blocks Set until gate is closed, like a store on a slow network
type gatedStore struct {
	*MemoryStore
	gate    chan struct{}
	entered chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		gate:        make(chan struct{}),
		entered:     make(chan struct{}, 1),
	}
}

func (s *gatedStore) Set(ctx context.Context, key, value string) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.gate
	return s.MemoryStore.Set(ctx, key, value)
}
